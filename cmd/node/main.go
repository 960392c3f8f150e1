package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/api"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperswap/pkg/app/exchange"
	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/storage"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// ---- Ledger ----
	var audit storage.AuditLog = storage.NewNopWAL()
	if cfg.Node.AuditFile != "" {
		wal, err := storage.NewFileWAL(cfg.Node.AuditFile)
		if err != nil {
			sugar.Fatalw("audit_log_open_failed", "path", cfg.Node.AuditFile, "err", err)
		}
		defer wal.Close()
		audit = wal
	}

	swapCfg := exchange.ConfigFromParams(cfg.Market)
	verifier := transaction.NewVerifier(crypto.DomainForChain(cfg.Node.ChainID))
	store, err := storage.OpenLedger(cfg.Node.DataDir, storage.LedgerConfig{
		Verifier:       verifier,
		UniquePolicies: swapCfg.Scripts.UniquePolicies(),
		Logger:         sugar,
		Metrics:        storage.NewMetrics(registry),
		Audit:          audit,
	})
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	// ---- Keyring ----
	keys := crypto.NewKeyring()
	for i, hexKey := range cfg.Node.SignerKeys {
		signer, err := crypto.FromPrivateKeyHex(hexKey)
		if err != nil {
			sugar.Fatalw("signer_key_invalid", "index", i, "err", err)
		}
		keys.Add(signer)
		sugar.Infow("signer_loaded", "address", signer.Address().Hex())
	}
	if len(cfg.Node.SignerKeys) == 0 {
		// Development only: an ephemeral identity so the API is usable
		addr, err := keys.Generate()
		if err != nil {
			sugar.Fatalw("signer_generate_failed", "err", err)
		}
		sugar.Warnw("ephemeral_signer_generated", "address", addr.Hex())
	}

	// ---- Exchange ----
	app, err := exchange.NewApp(swapCfg, store, verifier, keys, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}

	sugar.Infow("node_starting",
		"data_dir", cfg.Node.DataDir,
		"chain_id", cfg.Node.ChainID,
		"owner", cfg.Market.Owner.Hex(),
		"version", cfg.Market.Version,
		"escrow", cfg.Market.EscrowEnabled,
		"sequence", store.Sequence(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(app, store, registry, sugar)
	go func() {
		if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
			sugar.Errorw("api_server_failed", "err", err)
			stop()
		}
	}()

	// Progress logging loop
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	last := store.Sequence()
	for {
		select {
		case <-ctx.Done():
			sugar.Infow("node_stopping", "sequence", store.Sequence())
			return
		case <-ticker.C:
			if seq := store.Sequence(); seq != last {
				sugar.Infow("ledger_progress", "sequence", seq, "commits_since_last_log", seq-last)
				last = seq
			}
		}
	}
}
