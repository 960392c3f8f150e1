package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Market struct {
	// MinReserve is the currency locked with every order. It is returned on
	// Close and doubles as the dust threshold for currency change.
	//
	// Currency base unit: 1 coin = 1_000_000 units.
	MinReserve     int64
	DepositReserve int64 // buyer deposit locked into escrow
	ServiceFee     int64 // currency paid to Owner on every fill

	Owner   common.Address // deployment owner, receives fees
	Arbiter common.Address // may refund escrows at any time
	Version int64          // swap script version; part of every uniqueness key

	EscrowEnabled          bool
	RequireArbiterApproval bool
	RefundTimeout          time.Duration
}

type Node struct {
	DataDir   string // pebble ledger directory
	APIAddr   string
	LogFile   string
	LogLevel  string
	AuditFile string // one line per accepted commit, empty = disabled
	ChainID   int64  // EIP-712 domain chain id

	// SignerKeys are hex private keys loaded into the node keyring. The node
	// signs operations submitted through the API on behalf of these identities.
	SignerKeys []string
}

type Config struct {
	Market Market
	Node   Node
}

func Default() Config {
	return Config{
		Market: Market{
			MinReserve:     2_000_000,
			DepositReserve: 5_000_000,
			ServiceFee:     1_000_000,
			Owner:          common.HexToAddress("0x00000000000000000000000000000000000000F0"),
			Version:        1,
			EscrowEnabled:  false,
			RefundTimeout:  24 * time.Hour,
		},
		Node: Node{
			DataDir:  "data/ledger",
			APIAddr:  ":8080",
			LogFile:  "data/node.log",
			LogLevel: "info",
			ChainID:  1337,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	// Market
	cfg.Market.MinReserve = getEnvInt("MARKET_MIN_RESERVE", cfg.Market.MinReserve)
	cfg.Market.DepositReserve = getEnvInt("MARKET_DEPOSIT_RESERVE", cfg.Market.DepositReserve)
	cfg.Market.ServiceFee = getEnvInt("MARKET_SERVICE_FEE", cfg.Market.ServiceFee)
	cfg.Market.Version = getEnvInt("SWAP_VERSION", cfg.Market.Version)

	if owner := os.Getenv("MARKET_OWNER"); common.IsHexAddress(owner) {
		cfg.Market.Owner = common.HexToAddress(owner)
	}
	if arbiter := os.Getenv("MARKET_ARBITER"); common.IsHexAddress(arbiter) {
		cfg.Market.Arbiter = common.HexToAddress(arbiter)
	}
	if escrow := os.Getenv("MARKET_ESCROW_ENABLED"); escrow != "" {
		cfg.Market.EscrowEnabled = escrow == "true"
	}
	if strict := os.Getenv("MARKET_REQUIRE_ARBITER"); strict != "" {
		cfg.Market.RequireArbiterApproval = strict == "true"
	}
	if ms := getEnvInt("MARKET_REFUND_TIMEOUT_MS", -1); ms >= 0 {
		cfg.Market.RefundTimeout = time.Duration(ms) * time.Millisecond
	}

	// Node
	cfg.Node.DataDir = getEnv("NODE_DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.AuditFile = getEnv("NODE_AUDIT_FILE", cfg.Node.AuditFile)
	cfg.Node.ChainID = getEnvInt("CHAIN_ID", cfg.Node.ChainID)
	if keys := os.Getenv("NODE_SIGNER_KEYS"); keys != "" {
		cfg.Node.SignerKeys = splitList(keys)
	}

	return cfg
}

// splitList splits a comma separated list, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable, keeping the default on
// absence or parse failure
func getEnvInt(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
