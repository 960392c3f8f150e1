package swap

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/identity"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000F0")
	arbiter = common.HexToAddress("0x00000000000000000000000000000000000000A0")
	seller  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	buyer   = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func testConfig(escrow bool) Config {
	return Config{
		Scripts:         identity.NewScripts(owner, 1),
		MinReserve:      2_000_000,
		DepositReserve:  5_000_000,
		ServiceFee:      1_000_000,
		EscrowEnabled:   escrow,
		Arbiter:         arbiter,
		RefundTimeoutMs: 60_000,
	}
}

func refRecord(t *testing.T, s identity.Scripts, who common.Address, idx uint32) ledger.Record {
	t.Helper()
	out, err := s.ReferenceOutput(who)
	if err != nil {
		t.Fatalf("reference output: %v", err)
	}
	return ledger.Record{Ref: ledger.OutRef{TxID: common.HexToHash("0xfeed"), Index: idx}, Output: out}
}

// userRecord is the seller's wallet record holding their identity token plus extra
func userRecord(s identity.Scripts, who common.Address, extra value.Value) ledger.Record {
	return ledger.Record{
		Ref: ledger.OutRef{TxID: common.HexToHash("0xbeef"), Index: 1},
		Output: ledger.Output{
			Address: ledger.WalletAddress(who),
			Value:   value.New(s.UserAsset(who), 1).Add(extra),
		},
	}
}

// assertBalanced checks consumed + mint + funding == produced
func assertBalanced(t *testing.T, tr *transaction.Transition, consumed value.Value) {
	t.Helper()
	in := consumed.Add(tr.Mint).Add(tr.TotalFunding())
	if out := tr.TotalProduced(); !in.Equal(out) {
		t.Errorf("%s unbalanced: in %s, out %s", tr.Kind, in, out)
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("%s invalid: %v", tr.Kind, err)
	}
}

// openOrder builds an Open and returns the order as it would live on the ledger
func openOrder(t *testing.T, cfg Config, price, stock int64) (*OpenPlan, Order) {
	t.Helper()
	sellerRef := refRecord(t, cfg.Scripts, seller, 0)
	userTok := userRecord(cfg.Scripts, seller, nil)
	plan, err := BuildOpen(cfg, seller, value.Coin(price), value.New(gold, stock), sellerRef, userTok)
	if err != nil {
		t.Fatalf("BuildOpen: %v", err)
	}
	rec := ledger.Record{
		Ref:    ledger.OutRef{TxID: common.HexToHash("0x0a"), Index: 0},
		Output: plan.Transition.Produced[0],
	}
	order, err := DecodeOrder(rec)
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}
	return plan, order
}

func TestBuildOpen(t *testing.T) {
	cfg := testConfig(false)
	plan, order := openOrder(t, cfg, 15_000_000, 5)
	user := value.New(cfg.Scripts.UserAsset(seller), 1)

	assertBalanced(t, plan.Transition, user)

	if len(plan.Transition.Consumed) != 1 {
		t.Errorf("consumed = %d, want the identity token record", len(plan.Transition.Consumed))
	}
	if got := order.Value.Quantity(cfg.Scripts.UserAsset(seller)); got != 1 {
		t.Errorf("order holds %d identity tokens, want 1", got)
	}
	if order.Record.SellerToken() != cfg.Scripts.UserAsset(seller) {
		t.Errorf("seller token = %v", order.Record.SellerToken())
	}

	if got := plan.Transition.Mint.Quantity(order.Record.BeaconAsset); got != 1 {
		t.Errorf("beacon mint = %d, want 1", got)
	}
	if order.Record.BeaconAsset != cfg.Scripts.BeaconAsset(plan.Address) {
		t.Error("beacon not derived from the order address")
	}
	if len(plan.Transition.References) != 1 {
		t.Errorf("references = %d, want seller reference only", len(plan.Transition.References))
	}
	if got := order.Value.NativeComponent(); got != cfg.MinReserve {
		t.Errorf("order reserve = %d, want %d", got, cfg.MinReserve)
	}
}

func TestBuildOpen_Invalid(t *testing.T) {
	cfg := testConfig(false)
	sellerRef := refRecord(t, cfg.Scripts, seller, 0)
	userTok := userRecord(cfg.Scripts, seller, nil)
	silver := value.AssetID{Policy: "bb02", Name: "silver"}

	othersToken := userRecord(cfg.Scripts, buyer, nil)
	lockedToken := userTok
	lockedToken.Address = ledger.SwapAddress("ab")

	tests := []struct {
		name    string
		asked   value.Value
		offered value.Value
		ref     ledger.Record
		user    ledger.Record
		wantErr error
	}{
		{"zero price", value.Value{}, value.New(gold, 1), sellerRef, userTok, ErrConfig},
		{"negative price", value.Coin(-1), value.New(gold, 1), sellerRef, userTok, ErrConfig},
		{"no stock", value.Coin(10), value.Value{}, sellerRef, userTok, ErrConfig},
		{"same asset", value.New(gold, 2), value.New(gold, 1), sellerRef, userTok, ErrConfig},
		{"two offered assets", value.Coin(10), value.New(gold, 1).Add(value.New(silver, 1)), sellerRef, userTok, value.ErrMultiAsset},
		{"missing identity", value.Coin(10), value.New(gold, 1), ledger.Record{}, userTok, identity.ErrReferenceNotFound},
		{"missing identity token", value.Coin(10), value.New(gold, 1), sellerRef, ledger.Record{}, identity.ErrReferenceNotFound},
		{"another participant's token", value.Coin(10), value.New(gold, 1), sellerRef, othersToken, identity.ErrReferenceNotFound},
		{"token outside the wallet", value.Coin(10), value.New(gold, 1), sellerRef, lockedToken, identity.ErrReferenceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildOpen(cfg, seller, tt.asked, tt.offered, tt.ref, tt.user)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildOpen_SharedWalletRecord(t *testing.T) {
	cfg := testConfig(false)
	sellerRef := refRecord(t, cfg.Scripts, seller, 0)
	userTok := userRecord(cfg.Scripts, seller, value.Coin(7).Add(value.New(gold, 2)))

	plan, err := BuildOpen(cfg, seller, value.Coin(10), value.New(gold, 1), sellerRef, userTok)
	if err != nil {
		t.Fatalf("BuildOpen: %v", err)
	}
	assertBalanced(t, plan.Transition, userTok.Value)

	if len(plan.Transition.Produced) != 2 {
		t.Fatalf("produced = %d, want order + wallet remainder", len(plan.Transition.Produced))
	}
	rest := plan.Transition.Produced[1]
	if rest.Address != ledger.WalletAddress(seller) || !rest.Value.Equal(value.Coin(7).Add(value.New(gold, 2))) {
		t.Errorf("remainder = %s at %s", rest.Value, rest.Address)
	}
}

func TestOpenCloseRoundTrip(t *testing.T) {
	cfg := testConfig(false)
	plan, order := openOrder(t, cfg, 15_000_000, 5)

	tr, err := BuildClose(order)
	if err != nil {
		t.Fatalf("BuildClose: %v", err)
	}
	assertBalanced(t, tr, order.Value)

	if got := tr.Mint.Quantity(order.Record.BeaconAsset); got != -1 {
		t.Errorf("beacon mint = %d, want -1", got)
	}

	// Seller gets back what they funded (stock plus reserve) and the identity token
	funded := plan.Transition.TotalFunding().Add(value.New(cfg.Scripts.UserAsset(seller), 1))
	if len(tr.Produced) != 1 || !tr.Produced[0].Value.Equal(funded) {
		t.Fatalf("close payout = %v, want %s", tr.Produced, funded)
	}
	if got := tr.Produced[0].Value.Without(value.CurrencyAsset).Without(cfg.Scripts.UserAsset(seller)); !got.Equal(value.New(gold, 5)) {
		t.Errorf("returned stock = %s, want 5 gold", got)
	}
	if tr.Produced[0].Address != ledger.WalletAddress(seller) {
		t.Errorf("payout address = %s, want seller wallet", tr.Produced[0].Address)
	}
}

func TestBuildUpdate(t *testing.T) {
	cfg := testConfig(false)
	_, order := openOrder(t, cfg, 15_000_000, 5)
	silver := value.AssetID{Policy: "bb02", Name: "silver"}

	t.Run("restock and reprice", func(t *testing.T) {
		tr, next, err := BuildUpdate(order, value.Coin(12_000_000), value.New(gold, 3))
		if err != nil {
			t.Fatalf("BuildUpdate: %v", err)
		}
		assertBalanced(t, tr, order.Value)
		if next.Stock() != 8 {
			t.Errorf("stock = %d, want 8", next.Stock())
		}
		if next.AskedValue.NativeComponent() != 12_000_000 {
			t.Errorf("price = %s, want 12000000", next.AskedValue)
		}
	})

	t.Run("withdraw stock", func(t *testing.T) {
		tr, next, err := BuildUpdate(order, nil, value.New(gold, -2))
		if err != nil {
			t.Fatalf("BuildUpdate: %v", err)
		}
		assertBalanced(t, tr, order.Value)
		if next.Stock() != 3 {
			t.Errorf("stock = %d, want 3", next.Stock())
		}
		if !next.AskedValue.Equal(order.Record.AskedValue) {
			t.Error("empty newAsked should keep the price")
		}
	})

	errs := []struct {
		name    string
		asked   value.Value
		delta   value.Value
		wantErr error
	}{
		{"overdraw", nil, value.New(gold, -6), ErrNegativeStock},
		{"asked asset changes", value.New(silver, 1), nil, ErrAssetMismatch},
		{"delta in other asset", nil, value.New(silver, 1), ErrAssetMismatch},
		{"negative price", value.Coin(-1), nil, ErrConfig},
		{"restock overflow", nil, value.New(gold, 1<<63-1), value.ErrOverflow},
	}
	for _, tt := range errs {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := BuildUpdate(order, tt.asked, tt.delta)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildFill_Direct(t *testing.T) {
	cfg := testConfig(false)
	_, order := openOrder(t, cfg, 15_000_000, 5)
	buyerRef := refRecord(t, cfg.Scripts, buyer, 1)
	sellerRef := refRecord(t, cfg.Scripts, seller, 0)

	plan, err := BuildFill(order, buyer, value.Coin(25_000_000), buyerRef, sellerRef, 0)
	if err != nil {
		t.Fatalf("BuildFill: %v", err)
	}
	tr := plan.Transition
	assertBalanced(t, tr, order.Value)

	if plan.Escrow != nil {
		t.Error("escrow disabled but escrow record built")
	}
	if len(tr.References) != 2 {
		t.Errorf("references = %d, want buyer + seller", len(tr.References))
	}

	paid := map[ledger.Address]value.Value{}
	for _, out := range tr.Produced[1:] {
		paid[out.Address] = paid[out.Address].Add(out.Value)
	}
	if got := paid[ledger.WalletAddress(seller)]; !got.Equal(value.Coin(15_000_000)) {
		t.Errorf("seller paid %s, want 15000000", got)
	}
	if got := paid[ledger.WalletAddress(buyer)]; !got.Equal(value.New(gold, 1).Add(value.Coin(10_000_000))) {
		t.Errorf("buyer paid %s, want 1 gold + 10000000 change", got)
	}
	if got := paid[ledger.WalletAddress(owner)]; !got.Equal(value.Coin(cfg.ServiceFee)) {
		t.Errorf("owner paid %s, want fee", got)
	}
	if plan.Order.Stock() != 4 {
		t.Errorf("remaining stock = %d, want 4", plan.Order.Stock())
	}
	if tr.Produced[0].Value.Quantity(order.Record.BeaconAsset) != 1 {
		t.Error("re-emitted order lost its beacon")
	}
}

func TestBuildFill_MissingReference(t *testing.T) {
	cfg := testConfig(false)
	_, order := openOrder(t, cfg, 15_000_000, 5)
	sellerRef := refRecord(t, cfg.Scripts, seller, 0)

	// Seller's reference presented as the buyer's
	_, err := BuildFill(order, buyer, value.Coin(15_000_000), sellerRef, sellerRef, 0)
	if !errors.Is(err, identity.ErrReferenceNotFound) {
		t.Errorf("err = %v, want ErrReferenceNotFound", err)
	}
}

func TestEscrowFillApproveRefund(t *testing.T) {
	cfg := testConfig(true)
	_, order := openOrder(t, cfg, 15_000_000, 5)
	buyerRef := refRecord(t, cfg.Scripts, buyer, 1)
	sellerRef := refRecord(t, cfg.Scripts, seller, 0)

	plan, err := BuildFill(order, buyer, value.Coin(100_000_000), buyerRef, sellerRef, 1_000)
	if err != nil {
		t.Fatalf("BuildFill: %v", err)
	}
	assertBalanced(t, plan.Transition, order.Value)
	if plan.Escrow == nil {
		t.Fatal("escrow record missing")
	}
	if string(plan.Escrow.OrderID) != string(OrderID(order.Ref, buyer)) {
		t.Error("order id not derived from consumed order")
	}

	var escOut ledger.Output
	for _, out := range plan.Transition.Produced {
		if out.Datum.Kind == ledger.DatumEscrow {
			escOut = out
		}
	}
	escRecords := []ledger.Record{{Ref: ledger.OutRef{TxID: common.HexToHash("0x0b"), Index: 1}, Output: escOut}}
	esc, err := FindEscrow(escRecords, plan.Escrow.OrderID, buyer, seller)
	if err != nil {
		t.Fatalf("FindEscrow: %v", err)
	}
	if !esc.Record.PaymentValue.Equal(value.Coin(75_000_000)) {
		t.Errorf("escrowed payment = %s, want 75000000", esc.Record.PaymentValue)
	}
	if !esc.Record.GoodsValue.Equal(value.New(gold, 5)) {
		t.Errorf("escrowed goods = %s, want 5 gold", esc.Record.GoodsValue)
	}

	if _, err := FindEscrow(escRecords, plan.Escrow.OrderID, seller, buyer); !errors.Is(err, identity.ErrReferenceNotFound) {
		t.Errorf("swapped parties: err = %v, want ErrReferenceNotFound", err)
	}

	t.Run("approve", func(t *testing.T) {
		tr, err := BuildApprove(cfg, esc)
		if err != nil {
			t.Fatalf("BuildApprove: %v", err)
		}
		assertBalanced(t, tr, esc.Value)
		if !tr.RequiresSigner(buyer) || !tr.RequiresSigner(seller) || tr.RequiresSigner(arbiter) {
			t.Errorf("signers = %v, want buyer + seller", tr.Signers)
		}

		strict := cfg
		strict.RequireArbiterApproval = true
		tr, _ = BuildApprove(strict, esc)
		if !tr.RequiresSigner(arbiter) {
			t.Error("arbiter approval required but arbiter not a signer")
		}
	})

	t.Run("refund", func(t *testing.T) {
		tr, err := BuildRefund(cfg, esc, arbiter)
		if err != nil {
			t.Fatalf("arbiter refund: %v", err)
		}
		assertBalanced(t, tr, esc.Value)
		if tr.ValidFrom != 0 {
			t.Errorf("arbiter refund validFrom = %d, want 0", tr.ValidFrom)
		}

		tr, err = BuildRefund(cfg, esc, buyer)
		if err != nil {
			t.Fatalf("buyer refund: %v", err)
		}
		if tr.ValidFrom != 1_000+cfg.RefundTimeoutMs {
			t.Errorf("buyer refund validFrom = %d, want %d", tr.ValidFrom, 1_000+cfg.RefundTimeoutMs)
		}

		stranger := common.HexToAddress("0x00000000000000000000000000000000000000EE")
		if _, err := BuildRefund(cfg, esc, stranger); !errors.Is(err, transaction.ErrAuthorization) {
			t.Errorf("stranger refund: err = %v, want ErrAuthorization", err)
		}
	})
}

func TestBuildRegister(t *testing.T) {
	s := identity.NewScripts(owner, 1)
	tr, err := BuildRegister(s, buyer)
	if err != nil {
		t.Fatalf("BuildRegister: %v", err)
	}
	assertBalanced(t, tr, value.Value{})

	if got := tr.Mint.Quantity(s.ReferenceAsset(buyer)); got != 1 {
		t.Errorf("reference mint = %d, want 1", got)
	}
	if tr.Produced[0].Address != s.ReferenceAddress(buyer) {
		t.Errorf("reference address = %s, want %s", tr.Produced[0].Address, s.ReferenceAddress(buyer))
	}
	if err := s.CheckReference(ledger.Record{Output: tr.Produced[0]}, buyer); err != nil {
		t.Errorf("minted reference does not verify: %v", err)
	}
}
