package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("MARKET_MIN_RESERVE", "3000000")
	t.Setenv("MARKET_ESCROW_ENABLED", "true")
	t.Setenv("MARKET_ARBITER", "0x00000000000000000000000000000000000000A0")
	t.Setenv("MARKET_REFUND_TIMEOUT_MS", "60000")
	t.Setenv("SWAP_VERSION", "not-a-number")
	t.Setenv("NODE_SIGNER_KEYS", " aa , ,bb")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Market.MinReserve != 3_000_000 {
		t.Errorf("MinReserve = %d, want 3000000", cfg.Market.MinReserve)
	}
	if !cfg.Market.EscrowEnabled {
		t.Error("EscrowEnabled = false, want true")
	}
	if want := common.HexToAddress("0xA0"); cfg.Market.Arbiter != want {
		t.Errorf("Arbiter = %s, want %s", cfg.Market.Arbiter.Hex(), want.Hex())
	}
	if cfg.Market.RefundTimeout != time.Minute {
		t.Errorf("RefundTimeout = %v, want 1m", cfg.Market.RefundTimeout)
	}
	if got := cfg.Node.SignerKeys; len(got) != 2 || got[0] != "aa" || got[1] != "bb" {
		t.Errorf("SignerKeys = %q, want [aa bb]", got)
	}
	// Unparseable values keep the default
	if cfg.Market.Version != Default().Market.Version {
		t.Errorf("Version = %d, want default %d", cfg.Market.Version, Default().Market.Version)
	}
}

func TestLoadFromEnv_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("API_ADDR=:9999\nCHAIN_ID=7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("API_ADDR")
		os.Unsetenv("CHAIN_ID")
	})

	cfg := LoadFromEnv(path)
	if cfg.Node.APIAddr != ":9999" {
		t.Errorf("APIAddr = %q, want :9999", cfg.Node.APIAddr)
	}
	if cfg.Node.ChainID != 7 {
		t.Errorf("ChainID = %d, want 7", cfg.Node.ChainID)
	}
}
