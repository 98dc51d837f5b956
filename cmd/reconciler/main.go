package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/checkout"
	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/gateway"
	"github.com/example/ec-payments/internal/gateway/card"
	"github.com/example/ec-payments/internal/gateway/wallet"
	"github.com/example/ec-payments/internal/infrastructure/cache"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/ledger"
	"github.com/example/ec-payments/internal/logging"
	"github.com/example/ec-payments/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.SectionProviders)
	if err != nil {
		return err
	}

	logger, err := logging.New("payments-reconciler", cfg.IsDevelopment())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, "payments-reconciler", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	var lock checkout.Locker
	if rdb != nil {
		defer rdb.Close()
		lock = cache.NewLock(rdb, "payments:reconcile:lock", cfg.ReconcileInterval)
	} else {
		logger.Warn("REDIS_ADDR not set; run a single reconciler replica")
	}

	cardClient, err := card.New(cfg.Card, cfg.ProviderTimeout, logger)
	if err != nil {
		return err
	}
	walletClient, err := wallet.New(cfg.Wallet, cfg.ProviderTimeout, logger)
	if err != nil {
		return err
	}

	orders := store.NewPostgresOrderStore(db)
	reconciler := checkout.NewReconciler(
		orders,
		ledger.New(orders, rdb, logger),
		gateway.NewRegistry(cardClient, walletClient),
		checkout.ReconcilerConfig{
			Grace:         cfg.ReconcileGrace,
			SessionExpiry: cfg.SessionExpiry,
			RetryBackoff:  cfg.ReconcileBackoff,
		},
		lock,
		logger,
	)

	logger.Info("reconciler configured",
		zap.Duration("interval", cfg.ReconcileInterval),
		zap.Duration("session_expiry", cfg.SessionExpiry),
	)
	reconciler.Run(ctx, cfg.ReconcileInterval)
	return nil
}
