package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
	"github.com/example/ec-payments/internal/gateway"
	"github.com/example/ec-payments/internal/infrastructure/cache"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/ledger"
	"github.com/example/ec-payments/internal/metrics"
)

// Locker guards a sweep so only one replica runs it at a time.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

type ReconcilerConfig struct {
	// Grace is how long a pending order is left alone before the provider is asked.
	Grace time.Duration
	// SessionExpiry is when a still-open session is treated as abandoned.
	SessionExpiry time.Duration
	// RetryBackoff keeps an order that was left pending out of the next
	// sweeps for this long so that newer orders get their turn.
	RetryBackoff time.Duration
	BatchSize    int
}

// Reconciler resolves pending_payment orders whose webhooks were lost by
// asking the provider directly.
type Reconciler struct {
	applier
	gateways *gateway.Registry
	cfg      ReconcilerConfig
	lock     Locker
}

// SweepSummary counts what one sweep did.
type SweepSummary struct {
	Scanned  int
	Resolved int
	Skipped  int
	Errors   int
}

func NewReconciler(orders store.OrderStore, l *ledger.Ledger, gateways *gateway.Registry, cfg ReconcilerConfig, lock Locker, logger *zap.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		applier: applier{
			store:  orders,
			ledger: l,
			logger: logger.Named("reconciler"),
			now:    time.Now,
		},
		gateways: gateways,
		cfg:      cfg,
		lock:     lock,
	}
}

// Sweep makes one pass over stale pending orders. Provider calls happen before
// the apply transaction, never inside it.
func (r *Reconciler) Sweep(ctx context.Context) (SweepSummary, error) {
	ctx, span := tracer.Start(ctx, "ReconcileSweep")
	defer span.End()

	var sum SweepSummary
	now := r.now()

	orders, err := r.store.ListStalePending(ctx, now.Add(-r.cfg.Grace), now.Add(-r.cfg.RetryBackoff), r.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list stale orders: %w", err)
	}
	sum.Scanned = len(orders)
	span.SetAttributes(attribute.Int("reconcile.scanned", len(orders)))

	for _, o := range orders {
		resolved, err := r.reconcile(ctx, o, now)
		switch {
		case err != nil:
			sum.Errors++
			r.logger.Warn("could not reconcile order", zap.String("order_number", o.Number), zap.Error(err))
			r.markAttempt(ctx, o, now)
		case resolved:
			sum.Resolved++
		default:
			sum.Skipped++
			r.markAttempt(ctx, o, now)
		}
	}

	if sum.Scanned > 0 {
		r.logger.Info("sweep finished",
			zap.Int("scanned", sum.Scanned),
			zap.Int("resolved", sum.Resolved),
			zap.Int("skipped", sum.Skipped),
			zap.Int("errors", sum.Errors),
		)
	}
	return sum, nil
}

func (r *Reconciler) reconcile(ctx context.Context, o *order.Order, now time.Time) (bool, error) {
	abandoned := now.Sub(o.CreatedAt) >= r.cfg.SessionExpiry

	// session creation failed at checkout; nothing to ask the provider about
	if o.ProviderSessionID == "" {
		if !abandoned {
			return false, nil
		}
		return r.resolve(ctx, o, "order:"+o.Number, payment.Expired{}, nil)
	}

	client, err := r.gateways.Get(o.Provider)
	if err != nil {
		return false, err
	}
	state, err := client.CaptureOrRetrieve(ctx, o.ProviderSessionID)
	if err != nil {
		return false, err
	}

	payload, ok := state.Payload()
	if !ok && abandoned {
		// close the session at the provider first so it can no longer be paid
		state, err = client.ExpireSession(ctx, o.ProviderSessionID)
		if err != nil {
			return false, fmt.Errorf("expire session: %w", err)
		}
		payload, ok = state.Payload()
	}
	if !ok {
		return false, nil
	}
	return r.resolve(ctx, o, o.ProviderSessionID, payload, state)
}

func (r *Reconciler) resolve(ctx context.Context, o *order.Order, ref string, payload payment.Payload, state *payment.ProviderPaymentState) (bool, error) {
	// stale listings carry no items
	full, err := r.store.GetOrderByID(ctx, o.ID)
	if err != nil {
		return false, fmt.Errorf("load order: %w", err)
	}

	event := payment.EventFor(payload)
	eventID := fmt.Sprintf("reconcile:%s:%s", ref, event.Kind)
	raw, _ := json.Marshal(struct {
		EventID string                        `json:"event_id"`
		State   *payment.ProviderPaymentState `json:"state,omitempty"`
	}{eventID, state})

	outcome, err := r.apply(ctx, full, incoming{
		provider: o.Provider,
		eventID:  eventID,
		checksum: payment.Checksum(raw),
		event:    event,
	})
	if err != nil {
		return false, err
	}
	if outcome == OutcomeApplied {
		metrics.RecordReconciled(string(event.Kind))
	}
	return outcome == OutcomeApplied, nil
}

func (r *Reconciler) markAttempt(ctx context.Context, o *order.Order, now time.Time) {
	if err := r.store.MarkReconcileAttempt(ctx, o.ID, now); err != nil {
		r.logger.Warn("failed to record reconcile attempt", zap.String("order_number", o.Number), zap.Error(err))
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("reconciler started", zap.Duration("interval", interval), zap.Duration("grace", r.cfg.Grace))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.runOnce(ctx, interval)

		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.lock != nil {
		if err := r.lock.Acquire(ctx); err != nil {
			if errors.Is(err, cache.ErrLockHeld) {
				r.logger.Debug("another replica is sweeping")
			} else {
				r.logger.Warn("sweep lock unavailable", zap.Error(err))
			}
			return
		}
		defer func() {
			if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("sweep failed", zap.Error(err))
	}
}
