package transaction

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
	"github.com/uhyunpark/hyperswap/pkg/crypto"
)

// Kind names the protocol transition a payload performs
type Kind string

const (
	KindRegister Kind = "register" // Mint identity token + reference record
	KindOpen     Kind = "open"     // Create order, mint beacon
	KindUpdate   Kind = "update"   // Replace order terms / restock
	KindFill     Kind = "fill"     // Buy from order (direct or into escrow)
	KindClose    Kind = "close"    // Destroy order, burn beacon
	KindApprove  Kind = "approve"  // Release escrow to both parties
	KindRefund   Kind = "refund"   // Unwind escrow
)

func (k Kind) Valid() bool {
	switch k {
	case KindRegister, KindOpen, KindUpdate, KindFill, KindClose, KindApprove, KindRefund:
		return true
	}
	return false
}

// CommitID identifies an accepted transition (keccak256 of its canonical encoding)
type CommitID = common.Hash

// Funding is value a participant brings in from outside the ledger's records
// (their wallet). Only a required signer can fund.
type Funding struct {
	From  common.Address `json:"from"`
	Value value.Value    `json:"value"`
}

// Transition is the atomic unit applied to the ledger: a consumed record set,
// read-only references, a produced record set, minted/burned tokens and the
// identities that must sign. It is either applied whole or not at all.
type Transition struct {
	Kind       Kind             `json:"kind"`
	Consumed   []ledger.OutRef  `json:"consumed"`
	References []ledger.OutRef  `json:"references,omitempty"`
	Produced   []ledger.Output  `json:"produced"`
	Mint       value.Value      `json:"mint,omitempty"` // positive = mint, negative = burn
	Funding    []Funding        `json:"funding,omitempty"`
	Signers    []common.Address `json:"signers"`
	ValidFrom  int64            `json:"validFrom,omitempty"` // Unix ms
	Nonce      uint64           `json:"nonce,omitempty"`
}

// Digest is keccak256 over the canonical JSON encoding
func (t *Transition) Digest() (common.Hash, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode transition: %w", err)
	}
	return ethCrypto.Keccak256Hash(data), nil
}

// ID returns the commit id the transition will have once accepted
func (t *Transition) ID() (CommitID, error) {
	return t.Digest()
}

// TypedData returns the EIP-712 structure participants sign
func (t *Transition) TypedData() (*crypto.TransitionEIP712, error) {
	digest, err := t.Digest()
	if err != nil {
		return nil, err
	}
	return &crypto.TransitionEIP712{
		Kind:      string(t.Kind),
		Digest:    digest,
		ValidFrom: big.NewInt(t.ValidFrom),
	}, nil
}

// TotalFunding sums all funding entries
func (t *Transition) TotalFunding() value.Value {
	total := value.Value{}
	for _, f := range t.Funding {
		total = total.Add(f.Value)
	}
	return total
}

// TotalProduced sums the values of all produced outputs
func (t *Transition) TotalProduced() value.Value {
	total := value.Value{}
	for _, o := range t.Produced {
		total = total.Add(o.Value)
	}
	return total
}

// RequiresSigner reports whether addr is in the signer set
func (t *Transition) RequiresSigner(addr common.Address) bool {
	for _, s := range t.Signers {
		if s == addr {
			return true
		}
	}
	return false
}

// Validate performs structural validation (no ledger state involved)
func (t *Transition) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown transition kind: %q", t.Kind)
	}
	if len(t.Signers) == 0 {
		return fmt.Errorf("%w: empty signer set", ErrAuthorization)
	}
	if len(t.Produced) == 0 && len(t.Consumed) == 0 {
		return fmt.Errorf("transition consumes and produces nothing")
	}

	seen := make(map[ledger.OutRef]bool, len(t.Consumed)+len(t.References))
	for _, ref := range t.Consumed {
		if seen[ref] {
			return fmt.Errorf("record %s consumed twice", ref)
		}
		seen[ref] = true
	}
	for _, ref := range t.References {
		if seen[ref] {
			return fmt.Errorf("record %s both consumed and referenced", ref)
		}
		seen[ref] = true
	}

	for i, out := range t.Produced {
		if out.Address == "" {
			return fmt.Errorf("output %d has no address", i)
		}
		if out.Value.IsZero() {
			return fmt.Errorf("output %d carries no value", i)
		}
		if err := out.Value.AssertAllPositive(); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}

	for _, f := range t.Funding {
		if !t.RequiresSigner(f.From) {
			return fmt.Errorf("%w: funding from non-signer %s", ErrAuthorization, f.From.Hex())
		}
		if err := f.Value.AssertAllPositive(); err != nil {
			return fmt.Errorf("funding from %s: %w", f.From.Hex(), err)
		}
	}
	return nil
}

// Signature binds one signer to a transition digest
type Signature struct {
	Signer common.Address `json:"signer"`
	Sig    hexutil.Bytes  `json:"sig"`
}

// SignedTransition is what gets submitted to the ledger
type SignedTransition struct {
	Transition Transition  `json:"transition"`
	Signatures []Signature `json:"signatures"`
}

// Serialize converts SignedTransition to JSON bytes
func (st *SignedTransition) Serialize() ([]byte, error) {
	return json.Marshal(st)
}

// Deserialize parses JSON bytes into SignedTransition
func Deserialize(data []byte) (*SignedTransition, error) {
	var st SignedTransition
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transition: %w", err)
	}
	return &st, nil
}
