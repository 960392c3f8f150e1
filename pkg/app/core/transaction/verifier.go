package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
)

// ErrAuthorization means a required signer is missing or a signature is invalid.
var ErrAuthorization = errors.New("missing or invalid required signature")

// DigestSigner produces a signature over a 32-byte digest on behalf of an identity
type DigestSigner interface {
	Sign(ctx context.Context, digest []byte, identity common.Address) ([]byte, error)
}

// Verifier handles transition signing digests and signature verification
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

// NewVerifier creates a verifier bound to an EIP-712 domain
func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// SigningHash returns the digest each required signer signs
func (v *Verifier) SigningHash(t *Transition) ([]byte, error) {
	typed, err := t.TypedData()
	if err != nil {
		return nil, err
	}
	return v.eip712Signer.HashTransition(typed)
}

// Sign collects a signature from every required signer.
// The core only declares who must sign; signing itself is delegated.
func (v *Verifier) Sign(ctx context.Context, t *Transition, signer DigestSigner) (*SignedTransition, error) {
	hash, err := v.SigningHash(t)
	if err != nil {
		return nil, err
	}

	st := &SignedTransition{Transition: *t}
	for _, id := range t.Signers {
		sig, err := signer.Sign(ctx, hash, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuthorization, id.Hex(), err)
		}
		st.Signatures = append(st.Signatures, Signature{Signer: id, Sig: sig})
	}
	return st, nil
}

// Verify checks structure and that every required signer produced a valid
// signature over the transition digest
func (v *Verifier) Verify(st *SignedTransition) error {
	if err := st.Transition.Validate(); err != nil {
		return err
	}

	hash, err := v.SigningHash(&st.Transition)
	if err != nil {
		return err
	}

	signed := make(map[common.Address]bool, len(st.Signatures))
	for _, s := range st.Signatures {
		if !crypto.VerifySignature(s.Signer, hash, s.Sig) {
			return fmt.Errorf("%w: bad signature from %s", ErrAuthorization, s.Signer.Hex())
		}
		signed[s.Signer] = true
	}

	for _, required := range st.Transition.Signers {
		if !signed[required] {
			return fmt.Errorf("%w: %s did not sign", ErrAuthorization, required.Hex())
		}
	}
	return nil
}

// RecoverSigners returns the identities that signed a transition
func (v *Verifier) RecoverSigners(st *SignedTransition) ([]common.Address, error) {
	typed, err := st.Transition.TypedData()
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(st.Signatures))
	for _, s := range st.Signatures {
		addr, err := v.eip712Signer.RecoverTransitionSigner(typed, s.Sig)
		if err != nil {
			return nil, fmt.Errorf("failed to recover signer: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Applier is the write side of the ledger: it applies a signed transition
// atomically or rejects it whole.
type Applier interface {
	Submit(ctx context.Context, st *SignedTransition) (CommitID, error)
}
