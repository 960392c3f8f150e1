package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
)

// Address locates records on the ledger.
//
// Formats:
//
//	wallet:<0xaddr>  participant-controlled value
//	swap:<hash>      one seller/asset-pair/version swap script
//	escrow:<hash>    escrow script
//	ref:<hash>       identity reference records (read-only)
type Address string

const (
	prefixWallet = "wallet:"
	prefixSwap   = "swap:"
	prefixEscrow = "escrow:"
	prefixRef    = "ref:"
)

func WalletAddress(addr common.Address) Address { return Address(prefixWallet + addr.Hex()) }
func SwapAddress(hash string) Address           { return Address(prefixSwap + hash) }
func EscrowAddress(hash string) Address         { return Address(prefixEscrow + hash) }
func ReferenceAddress(hash string) Address      { return Address(prefixRef + hash) }

// IsWallet reports whether the address is a participant wallet.
func (a Address) IsWallet() bool { return strings.HasPrefix(string(a), prefixWallet) }

// IsReference reports whether the address holds an identity reference record.
func (a Address) IsReference() bool { return strings.HasPrefix(string(a), prefixRef) }

// ReferenceKey returns the identity key a reference address is derived from.
func (a Address) ReferenceKey() (string, bool) {
	if !a.IsReference() {
		return "", false
	}
	return strings.TrimPrefix(string(a), prefixRef), true
}

// WalletOwner returns the participant behind a wallet address.
func (a Address) WalletOwner() (common.Address, bool) {
	if !a.IsWallet() {
		return common.Address{}, false
	}
	hexAddr := strings.TrimPrefix(string(a), prefixWallet)
	if !common.IsHexAddress(hexAddr) {
		return common.Address{}, false
	}
	return common.HexToAddress(hexAddr), true
}

// OutRef names one produced output: the commit that created it and its
// position inside that commit.
type OutRef struct {
	TxID  common.Hash `json:"txId"`
	Index uint32      `json:"index"`
}

func (r OutRef) String() string {
	return fmt.Sprintf("%s#%d", r.TxID.Hex(), r.Index)
}

// Bytes is the canonical binary form (32-byte tx id || 4-byte big-endian index).
func (r OutRef) Bytes() []byte {
	out := make([]byte, 36)
	copy(out, r.TxID[:])
	binary.BigEndian.PutUint32(out[32:], r.Index)
	return out
}

// ParseOutRef parses "<0xtxid>#<index>".
func ParseOutRef(s string) (OutRef, error) {
	txHex, idxStr, ok := strings.Cut(s, "#")
	if !ok {
		return OutRef{}, fmt.Errorf("invalid out ref: %q", s)
	}
	idx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		return OutRef{}, fmt.Errorf("invalid out ref index %q: %w", idxStr, err)
	}
	return OutRef{TxID: common.HexToHash(txHex), Index: uint32(idx)}, nil
}

// DatumKind tags the typed state attached to an output.
type DatumKind string

const (
	DatumNone     DatumKind = ""
	DatumOrder    DatumKind = "order"
	DatumEscrow   DatumKind = "escrow"
	DatumIdentity DatumKind = "identity"
)

// Datum is the typed state of a script output. Body is the JSON encoding of
// the record; the ledger treats it as opaque bytes.
type Datum struct {
	Kind DatumKind       `json:"kind,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewDatum encodes a record into a Datum.
func NewDatum(kind DatumKind, record any) (Datum, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return Datum{}, fmt.Errorf("failed to encode %s datum: %w", kind, err)
	}
	return Datum{Kind: kind, Body: body}, nil
}

// Decode unmarshals the datum body into out, checking the kind.
func (d Datum) Decode(kind DatumKind, out any) error {
	if d.Kind != kind {
		return fmt.Errorf("datum kind = %q, want %q", d.Kind, kind)
	}
	if err := json.Unmarshal(d.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s datum: %w", kind, err)
	}
	return nil
}

// Output is a record about to be produced by a transition.
type Output struct {
	Address Address     `json:"address"`
	Value   value.Value `json:"value"`
	Datum   Datum       `json:"datum,omitempty"`
}

// Record is an unconsumed output living on the ledger.
type Record struct {
	Ref OutRef `json:"ref"`
	Output
}
