package crypto

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}

	// 32-byte private key
	if len(signer.PrivateKeyHex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(signer.PrivateKeyHex()))
	}

	// 04 prefix + 64 bytes uncompressed
	if len(signer.PublicKeyHex()) != 130 {
		t.Errorf("public key hex length = %d, want 130", len(signer.PublicKeyHex()))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in, err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, _ := GenerateKey()

	message := []byte("Hello, HyperSwap!")
	signature, err := signer.SignMessage(message)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if len(signature) != 65 {
		t.Errorf("signature length = %d, want 65", len(signature))
	}

	hash := eth_crypto.Keccak256Hash(message).Bytes()
	if !VerifySignature(signer.Address(), hash, signature) {
		t.Error("signature verification failed")
	}

	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifySignature(wrongAddr, hash, signature) {
		t.Error("signature should not verify with wrong address")
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), hash, []byte{1, 2, 3}) {
		t.Error("invalid signature should not verify")
	}

	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("invalid hash should not verify")
	}
}

func TestTransitionSignature(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())

	tr := &TransitionEIP712{
		Kind:      "fill",
		Digest:    eth_crypto.Keccak256Hash([]byte("payload")),
		ValidFrom: big.NewInt(0),
	}

	sig, err := e.SignTransition(signer, tr)
	if err != nil {
		t.Fatalf("sign transition: %v", err)
	}

	got, err := e.RecoverTransitionSigner(tr, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered = %s, want %s", got.Hex(), signer.Address().Hex())
	}

	// Same signature over another kind recovers someone else
	other := *tr
	other.Kind = "close"
	got, err = e.RecoverTransitionSigner(&other, sig)
	if err == nil && got == signer.Address() {
		t.Error("signature should not carry over to a different transition kind")
	}

	// Domain separation: another chain id yields a different digest
	h1, _ := e.HashTransition(tr)
	h2, _ := NewEIP712Signer(DomainForChain(1)).HashTransition(tr)
	if common.BytesToHash(h1) == common.BytesToHash(h2) {
		t.Error("digest should depend on chain id")
	}
}

func TestKeyring(t *testing.T) {
	k := NewKeyring()
	id, err := k.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !k.Has(id) {
		t.Fatal("keyring should hold generated identity")
	}

	digest := eth_crypto.Keccak256([]byte("digest"))
	sig, err := k.Sign(context.Background(), digest, id)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifySignature(id, digest, sig) {
		t.Error("keyring signature does not verify")
	}

	stranger := common.HexToAddress("0xCC00000000000000000000000000000000000000")
	if _, err := k.Sign(context.Background(), digest, stranger); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("err = %v, want ErrUnknownIdentity", err)
	}
}
