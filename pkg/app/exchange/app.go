package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/app/core/identity"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/swap"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

// Ledger is everything the exchange needs from the external ledger
type Ledger interface {
	ledger.Query
	transaction.Applier
}

// App is the exchange surface: Register, Open, Update, Fill, Close, Approve,
// Refund plus discovery queries. Every mutation loads a fresh snapshot,
// builds one transition, collects the required signatures and submits it.
// Nothing is retried: on ErrConflict the caller re-issues the operation,
// which re-reads the ledger.
type App struct {
	cfg      swap.Config
	ledger   Ledger
	verifier *transaction.Verifier
	signer   transaction.DigestSigner
	clock    util.Clock
	log      *zap.SugaredLogger
	nonce    atomic.Uint64
}

// ConfigFromParams maps node configuration onto the swap deployment config
func ConfigFromParams(m params.Market) swap.Config {
	return swap.Config{
		Scripts:                identity.NewScripts(m.Owner, m.Version),
		MinReserve:             m.MinReserve,
		DepositReserve:         m.DepositReserve,
		ServiceFee:             m.ServiceFee,
		EscrowEnabled:          m.EscrowEnabled,
		Arbiter:                m.Arbiter,
		RequireArbiterApproval: m.RequireArbiterApproval,
		RefundTimeoutMs:        m.RefundTimeout.Milliseconds(),
	}
}

func NewApp(cfg swap.Config, l Ledger, verifier *transaction.Verifier, signer transaction.DigestSigner, clock util.Clock, logger *zap.SugaredLogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &App{
		cfg:      cfg,
		ledger:   l,
		verifier: verifier,
		signer:   signer,
		clock:    clock,
		log:      logger,
	}
	// Distinguishes transitions that would otherwise encode identically
	// (e.g. re-opening an order with the same terms)
	a.nonce.Store(uint64(clock.Now().UnixNano()))
	return a, nil
}

func (a *App) Config() swap.Config        { return a.cfg }
func (a *App) Scripts() identity.Scripts { return a.cfg.Scripts }

// OrderBeacon returns the beacon that identifies seller's order for a pair
func (a *App) OrderBeacon(seller common.Address, asked, offered value.AssetID) value.AssetID {
	return a.cfg.Scripts.BeaconAsset(a.cfg.Scripts.SwapAddress(seller, asked, offered))
}

func (a *App) submit(ctx context.Context, tr *transaction.Transition) (transaction.CommitID, error) {
	tr.Nonce = a.nonce.Add(1)
	st, err := a.verifier.Sign(ctx, tr, a.signer)
	if err != nil {
		return transaction.CommitID{}, err
	}
	id, err := a.ledger.Submit(ctx, st)
	if err != nil {
		return transaction.CommitID{}, fmt.Errorf("%s rejected: %w", tr.Kind, err)
	}
	return id, nil
}

// ============================================================================
// Identity
// ============================================================================

// Register mints a participant's identity token and reference record
func (a *App) Register(ctx context.Context, participant common.Address) (transaction.CommitID, error) {
	_, err := a.cfg.Scripts.FindReference(ctx, a.ledger, participant)
	if err == nil {
		return transaction.CommitID{}, fmt.Errorf("%w: %s already registered", ledger.ErrUniquenessViolation, participant.Hex())
	}
	if !errors.Is(err, identity.ErrReferenceNotFound) {
		return transaction.CommitID{}, err
	}

	tr, err := swap.BuildRegister(a.cfg.Scripts, participant)
	if err != nil {
		return transaction.CommitID{}, err
	}
	id, err := a.submit(ctx, tr)
	if err != nil {
		return transaction.CommitID{}, err
	}
	a.log.Infow("participant_registered", "participant", participant.Hex(), "commit", id.Hex())
	return id, nil
}

// ============================================================================
// Swap lifecycle
// ============================================================================

// Open creates seller's order offering `offered` (stock) for `asked` per unit
func (a *App) Open(ctx context.Context, seller common.Address, asked, offered value.Value) (transaction.CommitID, error) {
	sellerRef, err := a.cfg.Scripts.VerifyReference(ctx, a.ledger, seller)
	if err != nil {
		return transaction.CommitID{}, err
	}

	// Read before the beacon so a concurrent Open that took the token is
	// reported as the duplicate it is
	userToken, tokenErr := a.cfg.Scripts.FindUserToken(ctx, a.ledger, seller)

	askedAsset, _, err := asked.Sole()
	if err != nil {
		return transaction.CommitID{}, fmt.Errorf("%w: asked value: %w", swap.ErrConfig, err)
	}
	offeredAsset, _, err := offered.Sole()
	if err != nil {
		return transaction.CommitID{}, fmt.Errorf("%w: offered value: %w", swap.ErrConfig, err)
	}
	beacon := a.OrderBeacon(seller, askedAsset, offeredAsset)
	live, err := a.ledger.FindByUniquenessKey(ctx, beacon)
	if err != nil {
		return transaction.CommitID{}, err
	}
	if len(live) > 0 {
		return transaction.CommitID{}, fmt.Errorf("%w: order %s already open", ledger.ErrBeaconMint, beacon.Name)
	}
	if tokenErr != nil {
		return transaction.CommitID{}, tokenErr
	}

	plan, err := swap.BuildOpen(a.cfg, seller, asked, offered, sellerRef, userToken)
	if err != nil {
		return transaction.CommitID{}, err
	}

	id, err := a.submit(ctx, plan.Transition)
	if err != nil {
		return transaction.CommitID{}, err
	}
	a.log.Infow("offer_opened",
		"seller", seller.Hex(),
		"beacon", plan.Order.BeaconAsset.Name,
		"asked", asked.String(),
		"offered", offered.String(),
		"commit", id.Hex(),
	)
	return id, nil
}

// Update reprices (newAsked, empty keeps the price) and restocks or withdraws
// (offeredDelta) seller's order
func (a *App) Update(ctx context.Context, seller common.Address, beacon value.AssetID, newAsked, offeredDelta value.Value) (transaction.CommitID, error) {
	order, err := a.sellerOrder(ctx, seller, beacon)
	if err != nil {
		return transaction.CommitID{}, err
	}
	tr, next, err := swap.BuildUpdate(order, newAsked, offeredDelta)
	if err != nil {
		return transaction.CommitID{}, err
	}
	id, err := a.submit(ctx, tr)
	if err != nil {
		return transaction.CommitID{}, err
	}
	a.log.Infow("offer_updated",
		"beacon", beacon.Name,
		"asked", next.AskedValue.String(),
		"stock", next.Stock(),
		"commit", id.Hex(),
	)
	return id, nil
}

// Fill buys from the order marked by beacon with payment
func (a *App) Fill(ctx context.Context, buyer common.Address, beacon value.AssetID, payment value.Value) (transaction.CommitID, error) {
	order, err := a.Offer(ctx, beacon)
	if err != nil {
		return transaction.CommitID{}, err
	}

	scripts := order.Record.Scripts()
	buyerRef, err := scripts.VerifyReference(ctx, a.ledger, buyer)
	if err != nil {
		return transaction.CommitID{}, err
	}
	sellerRef, err := scripts.VerifyReference(ctx, a.ledger, order.Record.Seller)
	if err != nil {
		return transaction.CommitID{}, err
	}

	plan, err := swap.BuildFill(order, buyer, payment, buyerRef, sellerRef, util.UnixMillis(a.clock))
	if err != nil {
		return transaction.CommitID{}, err
	}
	id, err := a.submit(ctx, plan.Transition)
	if err != nil {
		return transaction.CommitID{}, err
	}

	fields := []any{
		"buyer", buyer.Hex(),
		"beacon", beacon.Name,
		"bought", plan.Result.BoughtQty(),
		"remaining", plan.Result.RemainingQty(),
		"change", plan.Result.ChangeOwed.String(),
		"escrow", plan.Escrow != nil,
		"commit", id.Hex(),
	}
	if plan.Escrow != nil {
		fields = append(fields, "order_id", plan.Escrow.OrderID.String())
	}
	a.log.Infow("offer_filled", fields...)
	return id, nil
}

// Close destroys seller's order and returns its stock, reserve and the
// seller's identity token
func (a *App) Close(ctx context.Context, seller common.Address, beacon value.AssetID) (transaction.CommitID, error) {
	order, err := a.sellerOrder(ctx, seller, beacon)
	if err != nil {
		return transaction.CommitID{}, err
	}
	tr, err := swap.BuildClose(order)
	if err != nil {
		return transaction.CommitID{}, err
	}
	id, err := a.submit(ctx, tr)
	if err != nil {
		return transaction.CommitID{}, err
	}
	a.log.Infow("offer_closed", "seller", seller.Hex(), "beacon", beacon.Name, "commit", id.Hex())
	return id, nil
}

func (a *App) sellerOrder(ctx context.Context, seller common.Address, beacon value.AssetID) (swap.Order, error) {
	order, err := a.Offer(ctx, beacon)
	if err != nil {
		return swap.Order{}, err
	}
	if order.Record.Seller != seller {
		return swap.Order{}, fmt.Errorf("%w: order %s belongs to %s", transaction.ErrAuthorization, beacon.Name, order.Record.Seller.Hex())
	}
	return order, nil
}

// ============================================================================
// Escrow lifecycle
// ============================================================================

// Approve releases a held escrow to both parties
func (a *App) Approve(ctx context.Context, orderID []byte, buyer, seller common.Address) (transaction.CommitID, error) {
	esc, err := a.findEscrow(ctx, orderID, buyer, seller)
	if err != nil {
		return transaction.CommitID{}, err
	}
	tr, err := swap.BuildApprove(a.cfg, esc)
	if err != nil {
		return transaction.CommitID{}, err
	}
	id, err := a.submit(ctx, tr)
	if err != nil {
		return transaction.CommitID{}, err
	}
	a.log.Infow("escrow_approved", "order_id", fmt.Sprintf("%x", orderID), "commit", id.Hex())
	return id, nil
}

// Refund unwinds a held escrow on authority's signature
func (a *App) Refund(ctx context.Context, orderID []byte, buyer, seller, authority common.Address) (transaction.CommitID, error) {
	esc, err := a.findEscrow(ctx, orderID, buyer, seller)
	if err != nil {
		return transaction.CommitID{}, err
	}
	tr, err := swap.BuildRefund(a.cfg, esc, authority)
	if err != nil {
		return transaction.CommitID{}, err
	}
	id, err := a.submit(ctx, tr)
	if err != nil {
		return transaction.CommitID{}, err
	}
	a.log.Infow("escrow_refunded",
		"order_id", fmt.Sprintf("%x", orderID),
		"authority", authority.Hex(),
		"commit", id.Hex(),
	)
	return id, nil
}

func (a *App) findEscrow(ctx context.Context, orderID []byte, buyer, seller common.Address) (swap.Escrow, error) {
	records, err := a.ledger.FindByAddress(ctx, a.cfg.Scripts.EscrowAddress())
	if err != nil {
		return swap.Escrow{}, err
	}
	return swap.FindEscrow(records, orderID, buyer, seller)
}

// ============================================================================
// Discovery
// ============================================================================

// Offers lists every live order of this deployment (beacon policy scan)
func (a *App) Offers(ctx context.Context) ([]swap.Order, error) {
	records, err := a.ledger.FindByPolicy(ctx, a.cfg.Scripts.BeaconPolicy())
	if err != nil {
		return nil, err
	}
	orders := make([]swap.Order, 0, len(records))
	for _, rec := range records {
		order, err := swap.DecodeOrder(rec)
		if err != nil {
			a.log.Warnw("skipping_malformed_order", "ref", rec.Ref.String(), "err", err)
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Offer loads the live order marked by beacon
func (a *App) Offer(ctx context.Context, beacon value.AssetID) (swap.Order, error) {
	records, err := a.ledger.FindByUniquenessKey(ctx, beacon)
	if err != nil {
		return swap.Order{}, err
	}
	switch len(records) {
	case 0:
		return swap.Order{}, fmt.Errorf("%w: no order for beacon %s", ledger.ErrNotFound, beacon.Name)
	case 1:
		return swap.DecodeOrder(records[0])
	default:
		return swap.Order{}, fmt.Errorf("%w: %d orders hold beacon %s", ledger.ErrUniquenessViolation, len(records), beacon.Name)
	}
}

// Escrows lists held escrows where party is buyer or seller
func (a *App) Escrows(ctx context.Context, party common.Address) ([]swap.Escrow, error) {
	records, err := a.ledger.FindByAddress(ctx, a.cfg.Scripts.EscrowAddress())
	if err != nil {
		return nil, err
	}
	var out []swap.Escrow
	for _, rec := range records {
		esc, err := swap.DecodeEscrow(rec)
		if err != nil {
			continue
		}
		if esc.Record.Buyer == party || esc.Record.Seller == party {
			out = append(out, esc)
		}
	}
	return out, nil
}
