package swap

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/identity"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
)

// Builders turn a snapshot of live records plus an intent into one atomic
// transition. They are pure: nothing is read from or written to the ledger.
// Every transition balances: consumed + mint + funding == produced.

// walletOutput pays v to a participant, or nothing for an empty value
func walletOutput(to common.Address, v value.Value) []ledger.Output {
	if v.IsZero() {
		return nil
	}
	return []ledger.Output{{Address: ledger.WalletAddress(to), Value: v}}
}

// BuildRegister mints a participant's identity tokens: the read-only
// reference record and the spendable user token.
func BuildRegister(scripts identity.Scripts, participant common.Address) (*transaction.Transition, error) {
	refOut, err := scripts.ReferenceOutput(participant)
	if err != nil {
		return nil, err
	}
	user := value.New(scripts.UserAsset(participant), 1)

	produced := append([]ledger.Output{refOut}, walletOutput(participant, user)...)
	return &transaction.Transition{
		Kind:     transaction.KindRegister,
		Produced: produced,
		Mint:     refOut.Value.Add(user),
		Signers:  []common.Address{participant},
	}, nil
}

// OpenPlan is a built Open transition and the order it creates
type OpenPlan struct {
	Transition *transaction.Transition
	Order      OrderRecord
	Address    ledger.Address
}

// BuildOpen creates an order for seller: asked is the unit price, offered is
// the stock. The seller's reference record is presented read-only, the
// wallet record holding the seller's identity token is spent so the token is
// locked in the order, and the beacon for the order's address is minted.
func BuildOpen(cfg Config, seller common.Address, asked, offered value.Value, sellerRef, userToken ledger.Record) (*OpenPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	askedAsset, price, err := asked.Sole()
	if err != nil {
		return nil, fmt.Errorf("%w: asked value: %w", ErrConfig, err)
	}
	offeredAsset, stock, err := offered.Sole()
	if err != nil {
		return nil, fmt.Errorf("%w: offered value: %w", ErrConfig, err)
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: price %d", ErrConfig, price)
	}
	if stock <= 0 {
		return nil, fmt.Errorf("%w: stock %d", ErrConfig, stock)
	}
	if askedAsset == offeredAsset {
		return nil, fmt.Errorf("%w: asked and offered asset are both %s", ErrConfig, askedAsset)
	}

	scripts := cfg.Scripts
	if err := scripts.CheckReference(sellerRef, seller); err != nil {
		return nil, err
	}
	user := value.New(scripts.UserAsset(seller), 1)
	if userToken.Address != ledger.WalletAddress(seller) || userToken.Value.Quantity(scripts.UserAsset(seller)) != 1 {
		return nil, fmt.Errorf("%w: %s does not hold the identity token of %s",
			identity.ErrReferenceNotFound, userToken.Ref, seller.Hex())
	}

	addr := scripts.SwapAddress(seller, askedAsset, offeredAsset)
	beacon := scripts.BeaconAsset(addr)
	order := OrderRecord{
		AskedValue:            asked.Clone(),
		OfferedValue:          offered.Clone(),
		OfferedAsset:          offeredAsset,
		Seller:                seller,
		SellerTokenName:       scripts.UserAsset(seller).Name,
		BeaconAsset:           beacon,
		EscrowEnabled:         cfg.EscrowEnabled,
		EscrowPolicyHash:      scripts.EscrowPolicyHash(),
		IdentityPolicyID:      scripts.IdentityPolicy(),
		IdentityValidatorHash: scripts.IdentityValidatorHash(),
		ServiceFee:            cfg.ServiceFee,
		Owner:                 scripts.Owner,
		MinReserve:            cfg.MinReserve,
		DepositReserve:        cfg.DepositReserve,
		Version:               scripts.Version,
	}
	out, err := order.Output(addr)
	if err != nil {
		return nil, err
	}

	// Whatever else shared the token's wallet record goes back to the wallet
	produced := append([]ledger.Output{out}, walletOutput(seller, userToken.Value.Sub(user))...)
	tr := &transaction.Transition{
		Kind:       transaction.KindOpen,
		Consumed:   []ledger.OutRef{userToken.Ref},
		References: []ledger.OutRef{sellerRef.Ref},
		Produced:   produced,
		Mint:       value.New(beacon, 1),
		Funding:    []transaction.Funding{{From: seller, Value: offered.Add(value.Coin(cfg.MinReserve))}},
		Signers:    []common.Address{seller},
	}
	return &OpenPlan{Transition: tr, Order: order, Address: addr}, nil
}

// BuildUpdate replaces the asked value wholesale (an empty newAsked keeps the
// current price) and adds offeredDelta to the stock. A negative delta
// withdraws stock to the seller's wallet.
func BuildUpdate(order Order, newAsked, offeredDelta value.Value) (*transaction.Transition, OrderRecord, error) {
	cur := order.Record
	askedAsset, _, err := cur.Price()
	if err != nil {
		return nil, OrderRecord{}, err
	}

	next := cur
	if !newAsked.IsZero() {
		asset, price, err := newAsked.Sole()
		if err != nil {
			return nil, OrderRecord{}, fmt.Errorf("%w: asked value: %w", ErrConfig, err)
		}
		if asset != askedAsset {
			return nil, OrderRecord{}, fmt.Errorf("%w: asked asset %s, order asks %s", ErrAssetMismatch, asset, askedAsset)
		}
		if price <= 0 {
			return nil, OrderRecord{}, fmt.Errorf("%w: price %d", ErrConfig, price)
		}
		next.AskedValue = newAsked.Clone()
	}

	for _, a := range offeredDelta.Assets() {
		if a != cur.OfferedAsset {
			return nil, OrderRecord{}, fmt.Errorf("%w: stock delta in %s, order offers %s", ErrAssetMismatch, a, cur.OfferedAsset)
		}
	}
	next.OfferedValue, err = cur.OfferedValue.CheckedAdd(offeredDelta)
	if err != nil {
		return nil, OrderRecord{}, fmt.Errorf("%w: stock: %w", ErrConfig, err)
	}
	if err := next.OfferedValue.AssertAllPositive(); err != nil {
		return nil, OrderRecord{}, fmt.Errorf("%w: %w", ErrNegativeStock, err)
	}

	out, err := next.Output(order.Address)
	if err != nil {
		return nil, OrderRecord{}, err
	}

	delta := offeredDelta.Quantity(cur.OfferedAsset)
	tr := &transaction.Transition{
		Kind:     transaction.KindUpdate,
		Consumed: []ledger.OutRef{order.Ref},
		Produced: []ledger.Output{out},
		Signers:  []common.Address{cur.Seller},
	}
	switch {
	case delta > 0:
		tr.Funding = []transaction.Funding{{From: cur.Seller, Value: offeredDelta.Clone()}}
	case delta < 0:
		tr.Produced = append(tr.Produced, walletOutput(cur.Seller, offeredDelta.Neg())...)
	}
	return tr, next, nil
}

// FillPlan is a built Fill transition with the match that produced it
type FillPlan struct {
	Transition *transaction.Transition
	Result     FillResult
	Order      OrderRecord
	Escrow     *EscrowRecord // nil when escrow is disabled
}

// BuildFill matches payment against the order and settles it. Both identity
// reference records are presented read-only. Without escrow the seller is
// paid directly; with escrow payment, goods and the buyer's deposit are
// locked in a new EscrowRecord. The order is always re-emitted with its
// beacon, the owner's fee is always paid.
func BuildFill(order Order, buyer common.Address, payment value.Value, buyerRef, sellerRef ledger.Record, now int64) (*FillPlan, error) {
	cur := order.Record
	scripts := cur.Scripts()
	if cur.IdentityPolicyID != scripts.IdentityPolicy() {
		return nil, fmt.Errorf("%w: order identity policy %s", ErrConfig, cur.IdentityPolicyID)
	}
	if err := scripts.CheckReference(buyerRef, buyer); err != nil {
		return nil, err
	}
	if err := scripts.CheckReference(sellerRef, cur.Seller); err != nil {
		return nil, err
	}

	res, err := CalcFill(cur, payment)
	if err != nil {
		return nil, err
	}

	next := cur
	next.OfferedValue = res.RemainingGoods
	orderOut, err := next.Output(order.Address)
	if err != nil {
		return nil, err
	}

	fee := value.Coin(cur.ServiceFee)
	tr := &transaction.Transition{
		Kind:       transaction.KindFill,
		Consumed:   []ledger.OutRef{order.Ref},
		References: []ledger.OutRef{buyerRef.Ref, sellerRef.Ref},
		Produced:   []ledger.Output{orderOut},
		Signers:    []common.Address{buyer},
	}
	plan := &FillPlan{Transition: tr, Result: res, Order: next}

	funding := payment.Add(fee)
	if cur.EscrowEnabled {
		deposit := value.Coin(cur.DepositReserve)
		esc := &EscrowRecord{
			OrderID:      OrderID(order.Ref, buyer),
			Buyer:        buyer,
			Seller:       cur.Seller,
			DepositValue: deposit,
			PaymentValue: res.Spent,
			GoodsValue:   res.BoughtGoods,
			Version:      cur.Version,
			HeldAt:       now,
		}
		datum, err := ledger.NewDatum(ledger.DatumEscrow, esc)
		if err != nil {
			return nil, err
		}
		tr.Produced = append(tr.Produced, ledger.Output{
			Address: ledger.EscrowAddress(cur.EscrowPolicyHash),
			Value:   esc.LockedValue(),
			Datum:   datum,
		})
		tr.Produced = append(tr.Produced, walletOutput(buyer, res.ChangeOwed)...)
		funding = funding.Add(deposit)
		plan.Escrow = esc
	} else {
		tr.Produced = append(tr.Produced, walletOutput(cur.Seller, res.Spent)...)
		tr.Produced = append(tr.Produced, walletOutput(buyer, res.BoughtGoods.Add(res.ChangeOwed))...)
	}
	tr.Produced = append(tr.Produced, walletOutput(cur.Owner, fee)...)
	tr.Funding = []transaction.Funding{{From: buyer, Value: funding}}
	return plan, nil
}

// BuildClose destroys the order: the beacon is burned and everything else
// the order holds (stock, reserve and identity token) goes back to the seller.
func BuildClose(order Order) (*transaction.Transition, error) {
	cur := order.Record
	beacon := value.New(cur.BeaconAsset, 1)
	if order.Value.Quantity(cur.BeaconAsset) != 1 {
		return nil, fmt.Errorf("%w: order %s does not hold its beacon", ErrConfig, order.Ref)
	}
	return &transaction.Transition{
		Kind:     transaction.KindClose,
		Consumed: []ledger.OutRef{order.Ref},
		Produced: walletOutput(cur.Seller, order.Value.Sub(beacon)),
		Mint:     beacon.Neg(),
		Signers:  []common.Address{cur.Seller},
	}, nil
}

// BuildApprove releases an escrow: deposit + goods to the buyer, payment to
// the seller. Buyer and seller sign, plus the arbiter when configured.
func BuildApprove(cfg Config, esc Escrow) (*transaction.Transition, error) {
	rec := esc.Record
	signers := []common.Address{rec.Buyer}
	if rec.Seller != rec.Buyer {
		signers = append(signers, rec.Seller)
	}
	if cfg.RequireArbiterApproval && cfg.Arbiter != rec.Buyer && cfg.Arbiter != rec.Seller {
		signers = append(signers, cfg.Arbiter)
	}

	var produced []ledger.Output
	produced = append(produced, walletOutput(rec.Buyer, rec.DepositValue.Add(rec.GoodsValue))...)
	produced = append(produced, walletOutput(rec.Seller, rec.PaymentValue)...)
	return &transaction.Transition{
		Kind:     transaction.KindApprove,
		Consumed: []ledger.OutRef{esc.Ref},
		Produced: produced,
		Signers:  signers,
	}, nil
}

// BuildRefund unwinds an escrow: payment + deposit back to the buyer, goods
// to the seller. The arbiter may refund at any time; the buyer or the seller
// only once the refund timeout has passed, which the ledger enforces through
// ValidFrom.
func BuildRefund(cfg Config, esc Escrow, authority common.Address) (*transaction.Transition, error) {
	rec := esc.Record
	var validFrom int64
	switch {
	case cfg.Arbiter != (common.Address{}) && authority == cfg.Arbiter:
	case authority == rec.Buyer || authority == rec.Seller:
		validFrom = rec.HeldAt + cfg.RefundTimeoutMs
	default:
		return nil, fmt.Errorf("%w: %s may not refund escrow %x", transaction.ErrAuthorization, authority.Hex(), []byte(rec.OrderID))
	}

	var produced []ledger.Output
	produced = append(produced, walletOutput(rec.Buyer, rec.PaymentValue.Add(rec.DepositValue))...)
	produced = append(produced, walletOutput(rec.Seller, rec.GoodsValue)...)
	return &transaction.Transition{
		Kind:      transaction.KindRefund,
		Consumed:  []ledger.OutRef{esc.Ref},
		Produced:  produced,
		Signers:   []common.Address{authority},
		ValidFrom: validFrom,
	}, nil
}
