package swap

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/hyperswap/pkg/app/core/identity"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
)

// Config holds the deployment parameters captured into every new order
type Config struct {
	Scripts                identity.Scripts
	MinReserve             int64 // currency locked with every order, also the currency dust threshold
	DepositReserve         int64 // currency deposit the buyer locks into escrow
	ServiceFee             int64 // currency paid to the owner per fill
	EscrowEnabled          bool
	Arbiter                common.Address
	RequireArbiterApproval bool
	RefundTimeoutMs        int64 // after HeldAt + timeout a party may refund without the arbiter
}

// Validate checks the configuration for obviously broken values
func (c Config) Validate() error {
	if c.MinReserve < 0 || c.DepositReserve < 0 || c.ServiceFee < 0 {
		return fmt.Errorf("%w: negative reserve or fee", ErrConfig)
	}
	if c.RefundTimeoutMs < 0 {
		return fmt.Errorf("%w: negative refund timeout", ErrConfig)
	}
	if c.RequireArbiterApproval && c.Arbiter == (common.Address{}) {
		return fmt.Errorf("%w: arbiter approval required but no arbiter set", ErrConfig)
	}
	return nil
}

// OrderRecord is the state of one open swap offer.
// Price is AskedValue's quantity (asked units per offered unit); stock is
// OfferedValue's quantity. OfferedAsset keeps the offered asset identity
// once the stock reaches zero.
type OrderRecord struct {
	AskedValue            value.Value    `json:"askedValue"`
	OfferedValue          value.Value    `json:"offeredValue"`
	OfferedAsset          value.AssetID  `json:"offeredAsset"`
	Seller                common.Address `json:"seller"`
	SellerTokenName       string         `json:"sellerTokenName"`
	BeaconAsset           value.AssetID  `json:"beaconAsset"`
	EscrowEnabled         bool           `json:"escrowEnabled"`
	EscrowPolicyHash      string         `json:"escrowPolicyHash"`
	IdentityPolicyID      value.PolicyID `json:"identityPolicyId"`
	IdentityValidatorHash string         `json:"identityValidatorHash"`
	ServiceFee            int64          `json:"serviceFee"`
	Owner                 common.Address `json:"owner"`
	MinReserve            int64          `json:"minReserve"`
	DepositReserve        int64          `json:"depositReserve"`
	Version               int64          `json:"version"`
}

// Price returns the asked asset and the unit price
func (o *OrderRecord) Price() (value.AssetID, int64, error) {
	asset, qty, err := o.AskedValue.Sole()
	if err != nil {
		return value.AssetID{}, 0, fmt.Errorf("%w: asked value: %v", ErrConfig, err)
	}
	return asset, qty, nil
}

// Stock returns the remaining offered quantity
func (o *OrderRecord) Stock() int64 {
	return o.OfferedValue.Quantity(o.OfferedAsset)
}

// Scripts returns the deployment the order was opened under
func (o *OrderRecord) Scripts() identity.Scripts {
	return identity.NewScripts(o.Owner, o.Version)
}

// SellerToken is the seller's identity token locked in the order
func (o *OrderRecord) SellerToken() value.AssetID {
	return value.AssetID{Policy: o.IdentityPolicyID, Name: o.SellerTokenName}
}

// LockedValue is what the order's ledger output must hold:
// stock + reserve + beacon + seller token
func (o *OrderRecord) LockedValue() value.Value {
	return o.OfferedValue.
		Add(value.Coin(o.MinReserve)).
		Add(value.New(o.BeaconAsset, 1)).
		Add(value.New(o.SellerToken(), 1))
}

// Output encodes the record as the order's ledger output at addr
func (o *OrderRecord) Output(addr ledger.Address) (ledger.Output, error) {
	datum, err := ledger.NewDatum(ledger.DatumOrder, o)
	if err != nil {
		return ledger.Output{}, err
	}
	return ledger.Output{Address: addr, Value: o.LockedValue(), Datum: datum}, nil
}

// Order is a live OrderRecord together with its ledger position
type Order struct {
	Ref     ledger.OutRef
	Address ledger.Address
	Value   value.Value
	Record  OrderRecord
}

// DecodeOrder decodes an order record and checks the output holds exactly
// what the datum claims
func DecodeOrder(rec ledger.Record) (Order, error) {
	var o OrderRecord
	if err := rec.Datum.Decode(ledger.DatumOrder, &o); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if !rec.Value.Equal(o.LockedValue()) {
		return Order{}, fmt.Errorf("%w: order %s holds %s, datum claims %s",
			ErrConfig, rec.Ref, rec.Value, o.LockedValue())
	}
	return Order{Ref: rec.Ref, Address: rec.Address, Value: rec.Value, Record: o}, nil
}

// EscrowRecord is one trade held in neutral custody
type EscrowRecord struct {
	OrderID      hexutil.Bytes  `json:"orderId"`
	Buyer        common.Address `json:"buyer"`
	Seller       common.Address `json:"seller"`
	DepositValue value.Value    `json:"depositValue"`
	PaymentValue value.Value    `json:"paymentValue"`
	GoodsValue   value.Value    `json:"goodsValue"`
	Version      int64          `json:"version"`
	HeldAt       int64          `json:"heldAt"` // Unix ms
}

// LockedValue is what the escrow output must hold
func (e *EscrowRecord) LockedValue() value.Value {
	return e.DepositValue.Add(e.PaymentValue).Add(e.GoodsValue)
}

// Escrow is a live EscrowRecord together with its ledger position
type Escrow struct {
	Ref     ledger.OutRef
	Address ledger.Address
	Value   value.Value
	Record  EscrowRecord
}

func DecodeEscrow(rec ledger.Record) (Escrow, error) {
	var e EscrowRecord
	if err := rec.Datum.Decode(ledger.DatumEscrow, &e); err != nil {
		return Escrow{}, err
	}
	if !rec.Value.Equal(e.LockedValue()) {
		return Escrow{}, fmt.Errorf("escrow %s holds %s, datum claims %s", rec.Ref, rec.Value, e.LockedValue())
	}
	return Escrow{Ref: rec.Ref, Address: rec.Address, Value: rec.Value, Record: e}, nil
}

// OrderID derives the escrow identifier from the consumed order position and
// the buyer. Every fill consumes a distinct order output, so ids never repeat.
func OrderID(consumed ledger.OutRef, buyer common.Address) []byte {
	return ethCrypto.Keccak256(consumed.Bytes(), buyer.Bytes())
}

// FindEscrow scans records for the (orderID, buyer, seller) triple
func FindEscrow(records []ledger.Record, orderID []byte, buyer, seller common.Address) (Escrow, error) {
	for _, rec := range records {
		if rec.Datum.Kind != ledger.DatumEscrow {
			continue
		}
		esc, err := DecodeEscrow(rec)
		if err != nil {
			continue
		}
		if bytes.Equal(esc.Record.OrderID, orderID) &&
			esc.Record.Buyer == buyer && esc.Record.Seller == seller {
			return esc, nil
		}
	}
	return Escrow{}, fmt.Errorf("%w: escrow %x for buyer %s", identity.ErrReferenceNotFound, orderID, buyer.Hex())
}
