package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/openclob/spotcore/params"
	"github.com/openclob/spotcore/pkg/api"
	"github.com/openclob/spotcore/pkg/exchange/breaker"
	"github.com/openclob/spotcore/pkg/exchange/engine"
	"github.com/openclob/spotcore/pkg/exchange/pair"
	"github.com/openclob/spotcore/pkg/exchange/risk"
	"github.com/openclob/spotcore/pkg/ledger"
	"github.com/openclob/spotcore/pkg/storage"
	"github.com/openclob/spotcore/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Storage ----
	store, err := storage.Open(filepath.Join(cfg.Node.DataDir, "spotcore"))
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	// ---- Trading pairs ----
	// TODO: load pair definitions from config instead of hardcoding
	registry := pair.NewRegistry()
	btcusdt, err := pair.New("BTC-USDT", "BTC", "USDT", pair.Params{
		PricePrecision:  2,
		AmountPrecision: 8,
		MinAmount:       decimal.RequireFromString("0.0001"),
		MinNotional:     decimal.RequireFromString("10"),
		MakerFeeBps:     10,
		TakerFeeBps:     20,
		MaxDeviationBps: cfg.Breaker.MaxDeviationBps,
	})
	if err != nil {
		sugar.Fatalw("pair_init_failed", "err", err)
	}
	if err := registry.Register(btcusdt); err != nil {
		sugar.Fatalw("pair_register_failed", "err", err)
	}

	// ---- Exchange core ----
	ldg := ledger.New(store)
	gate := risk.NewGate(cfg.Risk, util.RealClock{})
	brk := breaker.New(cfg.Breaker.Window, util.RealClock{})

	eng, err := engine.New(engine.Options{
		Logger:  sugar,
		Pairs:   registry,
		Gate:    gate,
		Ledger:  ldg,
		Store:   store,
		Breaker: brk,
		Clock:   util.RealClock{},
	})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}
	sugar.Infow("engine_ready", "pairs", registry.Count())

	// ---- API server ----
	server := api.NewServer(sugar, eng, registry, ldg, store)
	eng.OnTrade = server.PublishTrade

	go func() {
		if err := server.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("spotcored_started", "api_addr", cfg.Node.APIAddr, "data_dir", cfg.Node.DataDir)
	<-ctx.Done()
	sugar.Info("shutting down")
}
