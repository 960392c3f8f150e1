package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperswap/pkg/crypto"
)

const usage = `usage:
  sign-transition keygen
  sign-transition sign   <transition.json|->   (keys from NODE_SIGNER_KEYS)
  sign-transition verify <signed.json|->

CHAIN_ID selects the EIP-712 domain (default 1337).`

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	cfg := params.LoadFromEnv("")
	verifier := transaction.NewVerifier(crypto.DomainForChain(cfg.Node.ChainID))

	switch os.Args[1] {
	case "keygen":
		signer, err := crypto.GenerateKey()
		if err != nil {
			fail("Error: %v", err)
		}
		fmt.Printf("Address: %s\n", signer.Address().Hex())
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())

	case "sign":
		var tr transaction.Transition
		readJSON(arg(2), &tr)

		keys := crypto.NewKeyring()
		for _, hexKey := range cfg.Node.SignerKeys {
			signer, err := crypto.FromPrivateKeyHex(hexKey)
			if err != nil {
				fail("Error: invalid signer key: %v", err)
			}
			keys.Add(signer)
		}
		for _, addr := range tr.Signers {
			if !keys.Has(addr) {
				fail("Error: no key for required signer %s", addr.Hex())
			}
		}

		st, err := verifier.Sign(context.Background(), &tr, keys)
		if err != nil {
			fail("Error signing: %v", err)
		}
		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			fail("Error marshaling JSON: %v", err)
		}
		id, err := tr.ID()
		if err != nil {
			fail("Error: %v", err)
		}
		fmt.Println(string(out))
		fmt.Fprintf(os.Stderr, "commit id: %s\nsubmit with: POST http://localhost:8080/api/v1/transitions\n", id.Hex())

	case "verify":
		var st transaction.SignedTransition
		readJSON(arg(2), &st)
		if err := verifier.Verify(&st); err != nil {
			fail("✗ Signature INVALID: %v", err)
		}
		signers, err := verifier.RecoverSigners(&st)
		if err != nil {
			fail("Error recovering signers: %v", err)
		}
		fmt.Println("✓ Signatures VALID")
		for _, s := range signers {
			fmt.Printf("  Signer: %s\n", s.Hex())
		}

	default:
		fail(usage)
	}
}

func arg(i int) string {
	if len(os.Args) <= i {
		fail(usage)
	}
	return os.Args[i]
}

func readJSON(path string, out any) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		fail("Error reading %s: %v", path, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		fail("Error parsing %s: %v", path, err)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
