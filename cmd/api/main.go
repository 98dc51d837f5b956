package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/api"
	"github.com/example/ec-payments/internal/auth"
	"github.com/example/ec-payments/internal/checkout"
	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/gateway"
	"github.com/example/ec-payments/internal/gateway/card"
	"github.com/example/ec-payments/internal/gateway/wallet"
	"github.com/example/ec-payments/internal/infrastructure/cache"
	"github.com/example/ec-payments/internal/infrastructure/kafka"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/ledger"
	"github.com/example/ec-payments/internal/logging"
	"github.com/example/ec-payments/internal/outbox"
	"github.com/example/ec-payments/internal/query"
	"github.com/example/ec-payments/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.SectionProviders, config.SectionAuth)
	if err != nil {
		return err
	}

	logger, err := logging.New("payments-api", cfg.IsDevelopment())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, "payments-api", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema migrated")
	}

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	cardClient, err := card.New(cfg.Card, cfg.ProviderTimeout, logger)
	if err != nil {
		return err
	}
	walletClient, err := wallet.New(cfg.Wallet, cfg.ProviderTimeout, logger)
	if err != nil {
		return err
	}
	registry := gateway.NewRegistry(cardClient, walletClient)

	orders := store.NewPostgresOrderStore(db)
	l := ledger.New(orders, rdb, logger)
	pricing := order.Pricing{TaxRate: cfg.TaxRate, Shipping: cfg.ShippingFlat}

	checkoutSvc := checkout.NewService(orders, orders, registry, cfg.Currency, pricing, logger)
	webhooks := checkout.NewWebhookHandler(orders, l, registry, logger)
	jwtService := auth.NewJWTService(cfg.JWTSecret)

	handlers := api.NewHandlers(checkoutSvc, webhooks, query.NewHandler(orders, logger), db, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handlers, jwtService, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer producer.Close()
	relay := outbox.NewRelay(orders, producer, 100, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(ctx, time.Second)
	}()

	if cfg.ReconcileInProcess {
		var lock checkout.Locker
		if rdb != nil {
			lock = cache.NewLock(rdb, "payments:reconcile:lock", cfg.ReconcileInterval)
		}
		reconciler := checkout.NewReconciler(orders, l, registry, checkout.ReconcilerConfig{
			Grace:         cfg.ReconcileGrace,
			SessionExpiry: cfg.SessionExpiry,
			RetryBackoff:  cfg.ReconcileBackoff,
		}, lock, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			reconciler.Run(ctx, cfg.ReconcileInterval)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server started",
			zap.String("addr", cfg.HTTPAddr),
			zap.Strings("providers", providerNames(registry)),
			zap.Bool("reconcile_in_process", cfg.ReconcileInProcess),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return nil
}

func providerNames(r *gateway.Registry) []string {
	var names []string
	for _, p := range r.Providers() {
		names = append(names, string(p))
	}
	return names
}
