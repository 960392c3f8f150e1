package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents a signed transition from being replayed on another network
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "HyperSwap")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local)
	VerifyingContract common.Address // Zero for off-chain signing
}

// TransitionEIP712 is the typed structure participants sign for a ledger
// transition. Digest commits to the full consumed/produced record set.
type TransitionEIP712 struct {
	Kind      string      // "open", "fill", "approve", ...
	Digest    common.Hash // keccak256 of the canonical transition encoding
	ValidFrom *big.Int    // Unix milliseconds, 0 = immediately valid
}

// EIP712Signer computes and checks EIP-712 digests for transitions
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the default EIP-712 domain for HyperSwap
func DefaultDomain() EIP712Domain {
	return DomainForChain(1337)
}

// DomainForChain returns the HyperSwap domain bound to a chain id
func DomainForChain(chainID int64) EIP712Domain {
	return EIP712Domain{
		Name:              "HyperSwap",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) typedData(t *TransitionEIP712) apitypes.TypedData {
	validFrom := t.ValidFrom
	if validFrom == nil {
		validFrom = big.NewInt(0)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Transition": []apitypes.Type{
				{Name: "kind", Type: "string"},
				{Name: "digest", Type: "bytes32"},
				{Name: "validFrom", Type: "uint256"},
			},
		},
		PrimaryType: "Transition",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"kind":      t.Kind,
			"digest":    t.Digest.Hex(),
			"validFrom": validFrom.String(),
		},
	}
}

// HashTransition hashes a transition according to EIP-712
// Returns the digest that should be signed
func (e *EIP712Signer) HashTransition(t *TransitionEIP712) ([]byte, error) {
	typedData := e.typedData(t)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignTransition signs a transition with the given key
func (e *EIP712Signer) SignTransition(signer *Signer, t *TransitionEIP712) ([]byte, error) {
	hash, err := e.HashTransition(t)
	if err != nil {
		return nil, fmt.Errorf("failed to hash transition: %w", err)
	}
	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transition: %w", err)
	}
	return signature, nil
}

// RecoverTransitionSigner recovers the address that signed a transition
func (e *EIP712Signer) RecoverTransitionSigner(t *TransitionEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashTransition(t)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash transition: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// TransitionToJSON renders the typed data for eth_signTypedData_v4 wallets
func (e *EIP712Signer) TransitionToJSON(t *TransitionEIP712) (string, error) {
	jsonBytes, err := json.MarshalIndent(e.typedData(t), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}
