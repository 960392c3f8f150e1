package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownIdentity is returned when the keyring holds no key for an identity.
var ErrUnknownIdentity = errors.New("no key for identity")

// Keyring signs transition digests on behalf of the identities it holds.
// Key custody is a wallet concern; the keyring backs the node binary and tests.
type Keyring struct {
	mu      sync.RWMutex
	signers map[common.Address]*Signer
}

func NewKeyring(signers ...*Signer) *Keyring {
	k := &Keyring{signers: make(map[common.Address]*Signer)}
	for _, s := range signers {
		k.Add(s)
	}
	return k
}

func (k *Keyring) Add(s *Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.Address()] = s
}

// Generate creates and stores a fresh key, returning its identity
func (k *Keyring) Generate() (common.Address, error) {
	s, err := GenerateKey()
	if err != nil {
		return common.Address{}, err
	}
	k.Add(s)
	return s.Address(), nil
}

func (k *Keyring) Has(identity common.Address) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.signers[identity]
	return ok
}

// Sign signs a 32-byte digest as identity
func (k *Keyring) Sign(ctx context.Context, digest []byte, identity common.Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	s, ok := k.signers[identity]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity.Hex())
	}
	return s.Sign(digest)
}
