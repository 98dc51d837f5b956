package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
	"github.com/example/ec-payments/internal/gateway"
	"github.com/example/ec-payments/internal/infrastructure/cache"
	gwmocks "github.com/example/ec-payments/internal/gateway/mocks"
	"github.com/example/ec-payments/internal/ledger"
	"github.com/example/ec-payments/internal/metrics"
)

type fakeLocker struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (l *fakeLocker) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.acquired++
	return nil
}

func (l *fakeLocker) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *fakeLocker) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.released
}

// stale places an order through checkout and backdates it.
func (f *fixture) stale(t *testing.T, provider order.Provider, age time.Duration) *order.Order {
	t.Helper()
	o := f.checkout(t, provider)
	f.store.SetCreatedAt(o.ID, time.Now().Add(-age))
	return o
}

func (f *fixture) lockedReconciler(t *testing.T, lock Locker) *Reconciler {
	t.Helper()
	return f.reconcilerWith(t, ReconcilerConfig{Grace: 10 * time.Minute, SessionExpiry: 30 * time.Minute}, lock)
}

func (f *fixture) reconcilerWith(t *testing.T, cfg ReconcilerConfig, lock Locker) *Reconciler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewReconciler(f.store, ledger.New(f.store, nil, logger), gateway.NewRegistry(f.card, f.wallet), cfg, lock, logger)
}

// ============================================
// Sweep Tests
// ============================================

func TestReconciler_Sweep_CapturedBecomesPaid(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 15*time.Minute)
	f.card.SetState(payment.ProviderPaymentState{SessionID: o.ProviderSessionID, State: payment.StateCaptured, ChargeID: "ch_1", Amount: o.Total})

	sum, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Scanned: 1, Resolved: 1}, sum)
	paid := f.reload(t, o)
	assert.Equal(t, order.StatusPaid, paid.Status)
	assert.Equal(t, order.InventoryCommitted, paid.InventoryState)
	assert.Equal(t, 9, f.store.Product("shirt").Stock)

	records, err := f.store.ListPaymentEvents(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "reconcile:card_sess_1:payment_captured", records[0].EventID)
	f.replayMatches(t, o)

	msgs, err := f.store.FetchUnpublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var changed order.StatusChanged
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &changed))
	assert.Equal(t, order.StatusPaid, changed.To)
	require.Len(t, changed.Items, 2)
	assert.Equal(t, "shirt", changed.Items[0].ProductID)
	assert.Equal(t, 2, changed.Items[1].Quantity)
}

func TestReconciler_Sweep_ReplayIgnoresClockSkew(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 15*time.Minute)
	f.card.SetState(payment.ProviderPaymentState{SessionID: o.ProviderSessionID, State: payment.StateCaptured, Amount: o.Total})
	// the reconciler runs on a host whose clock is ahead of the webhook host
	f.reconciler.now = func() time.Time { return time.Now().Add(5 * time.Second) }

	_, err := f.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	outcome, err := f.deliver(t, f.card, gwmocks.Webhook{ID: "evt_2", Type: "refunded", OrderNumber: o.Number, ChargeID: "re_1", Amount: o.Total, Full: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	records, err := f.store.ListPaymentEvents(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[1].AppliedAt.Before(records[0].AppliedAt))
	assert.Equal(t, order.StatusRefunded, f.reload(t, o).Status)
	f.replayMatches(t, o)
}

func TestReconciler_Sweep_SecondSweepFindsNothing(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 15*time.Minute)
	f.card.SetState(payment.ProviderPaymentState{SessionID: o.ProviderSessionID, State: payment.StateCaptured, Amount: o.Total})

	_, err := f.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	sum, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, sum.Scanned)
	assert.Equal(t, 1, f.store.EventCount())
}

func TestReconciler_Sweep_LateWebhookIsAnomaly(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 15*time.Minute)
	f.card.SetState(payment.ProviderPaymentState{SessionID: o.ProviderSessionID, State: payment.StateCaptured, Amount: o.Total})

	_, err := f.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	outcome, err := f.deliver(t, f.card, captured(o, "evt_1"))

	require.NoError(t, err)
	assert.Equal(t, OutcomeAnomaly, outcome)
	assert.Equal(t, order.StatusPaid, f.reload(t, o).Status)
	assert.Equal(t, 9, f.store.Product("shirt").Stock)
	assert.Zero(t, testutil.ToFloat64(metrics.CapturesOnClosedOrdersTotal.WithLabelValues("card", "paid")))
}

func TestReconciler_Sweep_WithinGraceIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.stale(t, order.ProviderCard, 2*time.Minute)

	sum, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, sum.Scanned)
	assert.Empty(t, f.card.CaptureCalls)
}

func TestReconciler_Sweep_OpenSessionSkippedUntilExpiry(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderWallet, 15*time.Minute)

	sum, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Scanned: 1, Skipped: 1}, sum)
	assert.Equal(t, []string{o.ProviderSessionID}, f.wallet.CaptureCalls)
	assert.Equal(t, order.StatusPendingPayment, f.reload(t, o).Status)
	assert.Equal(t, 0, f.store.EventCount())
}

func TestReconciler_Sweep_AbandonedSessionExpires(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 45*time.Minute)

	sum, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resolved)
	expired := f.reload(t, o)
	assert.Equal(t, order.StatusExpired, expired.Status)
	assert.Equal(t, order.InventoryReleased, expired.InventoryState)
	assert.Equal(t, 0, f.store.Product("vinyl").Reserved)
	assert.Equal(t, 5, f.store.Product("vinyl").Stock)

	records, err := f.store.ListPaymentEvents(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "reconcile:card_sess_1:session_expired", records[0].EventID)
	assert.Equal(t, []string{o.ProviderSessionID}, f.card.ExpireCalls)
}

func TestReconciler_Sweep_OpenSessionNotClosedBeforeExpiry(t *testing.T) {
	f := newFixture(t)
	f.stale(t, order.ProviderCard, 15*time.Minute)

	_, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Empty(t, f.card.ExpireCalls)
}

func TestReconciler_Sweep_PaidWhileClosingSession(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 45*time.Minute)
	f.card.ExpireState = &payment.ProviderPaymentState{SessionID: o.ProviderSessionID, State: payment.StateCaptured, ChargeID: "ch_9", Amount: o.Total}

	sum, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Scanned: 1, Resolved: 1}, sum)
	paid := f.reload(t, o)
	assert.Equal(t, order.StatusPaid, paid.Status)
	assert.Equal(t, order.InventoryCommitted, paid.InventoryState)

	records, err := f.store.ListPaymentEvents(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "reconcile:card_sess_1:payment_captured", records[0].EventID)
}

func TestReconciler_Sweep_SessionCloseFailureKeepsOrderPending(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 45*time.Minute)
	f.card.ExpireErr = &gateway.ProviderError{Provider: order.ProviderCard, StatusCode: 503, Err: gateway.ErrProviderUnavailable}

	sum, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Scanned: 1, Errors: 1}, sum)
	assert.Equal(t, order.StatusPendingPayment, f.reload(t, o).Status)
	assert.Equal(t, 0, f.store.EventCount())
}

func TestReconciler_Sweep_LeftPendingOrdersWaitForBackoff(t *testing.T) {
	f := newFixture(t)
	older := f.stale(t, order.ProviderCard, 45*time.Minute)
	newer := f.stale(t, order.ProviderCard, 15*time.Minute)
	f.card.ExpireErr = &gateway.ProviderError{Provider: order.ProviderCard, StatusCode: 503, Err: gateway.ErrProviderUnavailable}
	f.card.SetState(payment.ProviderPaymentState{SessionID: newer.ProviderSessionID, State: payment.StateCaptured, Amount: newer.Total})
	r := f.reconcilerWith(t, ReconcilerConfig{
		Grace:         10 * time.Minute,
		SessionExpiry: 30 * time.Minute,
		RetryBackoff:  5 * time.Minute,
		BatchSize:     1,
	}, nil)

	first, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Scanned: 1, Errors: 1}, first)
	_, marked := f.store.ReconcileCheckedAt(older.ID)
	assert.True(t, marked)

	second, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Scanned: 1, Resolved: 1}, second)
	assert.Equal(t, order.StatusPaid, f.reload(t, newer).Status)
	assert.Equal(t, []string{older.ProviderSessionID, newer.ProviderSessionID}, f.card.CaptureCalls)

	third, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, third.Scanned)
}

func TestReconciler_Sweep_ResolvedOrdersAreNotMarked(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 15*time.Minute)
	f.card.SetState(payment.ProviderPaymentState{SessionID: o.ProviderSessionID, State: payment.StateCaptured, Amount: o.Total})

	_, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	_, marked := f.store.ReconcileCheckedAt(o.ID)
	assert.False(t, marked)
}

func TestReconciler_Sweep_CaptureAfterExpiryRaisesAlert(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 45*time.Minute)
	counter := metrics.CapturesOnClosedOrdersTotal.WithLabelValues("card", "expired")
	before := testutil.ToFloat64(counter)

	_, err := f.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, order.StatusExpired, f.reload(t, o).Status)
	outcome, err := f.deliver(t, f.card, captured(o, "evt_late"))

	require.NoError(t, err)
	assert.Equal(t, OutcomeAnomaly, outcome)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestReconciler_Sweep_ProviderReportsFailure(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 15*time.Minute)
	f.card.SetState(payment.ProviderPaymentState{SessionID: o.ProviderSessionID, State: payment.StateFailed, Reason: "insufficient_funds"})

	_, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, order.StatusPaymentFailed, f.reload(t, o).Status)
	assert.Equal(t, 0, f.store.Product("shirt").Reserved)
}

func TestReconciler_Sweep_OrderWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.card.CreateErr = &gateway.ProviderError{Provider: order.ProviderCard, Err: gateway.ErrProviderUnavailable}
	_, err := f.service.StartCheckout(context.Background(), standardCart(order.ProviderCard), Customer{})
	var sessErr *SessionError
	require.ErrorAs(t, err, &sessErr)
	o, err := f.store.GetOrderByNumber(context.Background(), sessErr.OrderNumber)
	require.NoError(t, err)

	t.Run("skipped within expiry", func(t *testing.T) {
		f.store.SetCreatedAt(o.ID, time.Now().Add(-15*time.Minute))

		sum, err := f.reconciler.Sweep(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, sum.Skipped)
		assert.Empty(t, f.card.CaptureCalls)
	})

	t.Run("expired after expiry", func(t *testing.T) {
		f.store.SetCreatedAt(o.ID, time.Now().Add(-45*time.Minute))

		sum, err := f.reconciler.Sweep(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, sum.Resolved)
		assert.Equal(t, order.StatusExpired, f.reload(t, o).Status)
		assert.Empty(t, f.card.CaptureCalls)

		records, err := f.store.ListPaymentEvents(context.Background(), o.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "reconcile:order:"+o.Number+":session_expired", records[0].EventID)
	})
}

func TestReconciler_Sweep_ProviderErrorCounted(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 15*time.Minute)
	f.card.CaptureErr = &gateway.ProviderError{Provider: order.ProviderCard, StatusCode: 503, Err: gateway.ErrProviderUnavailable}

	sum, err := f.reconciler.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Scanned: 1, Errors: 1}, sum)
	assert.Equal(t, order.StatusPendingPayment, f.reload(t, o).Status)
}

// ============================================
// Locking Tests
// ============================================

func TestReconciler_RunOnce_LockHeldSkipsSweep(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 45*time.Minute)
	lock := &fakeLocker{err: cache.ErrLockHeld}
	r := f.lockedReconciler(t, lock)

	r.runOnce(context.Background(), time.Minute)

	assert.Equal(t, order.StatusPendingPayment, f.reload(t, o).Status)
	_, released := lock.counts()
	assert.Equal(t, 0, released)
}

func TestReconciler_RunOnce_LockErrorSkipsSweep(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 45*time.Minute)
	r := f.lockedReconciler(t, &fakeLocker{err: errors.New("redis down")})

	r.runOnce(context.Background(), time.Minute)

	assert.Equal(t, order.StatusPendingPayment, f.reload(t, o).Status)
}

func TestReconciler_RunOnce_AcquiresAndReleases(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 45*time.Minute)
	lock := &fakeLocker{}
	r := f.lockedReconciler(t, lock)

	r.runOnce(context.Background(), time.Minute)

	assert.Equal(t, order.StatusExpired, f.reload(t, o).Status)
	acquired, released := lock.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}

func TestReconciler_Run_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	o := f.stale(t, order.ProviderCard, 45*time.Minute)
	lock := &fakeLocker{}
	r := f.lockedReconciler(t, lock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 20*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		acquired, _ := lock.counts()
		return acquired >= 2
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
	assert.Equal(t, order.StatusExpired, f.reload(t, o).Status)
	assert.Equal(t, 1, f.store.EventCount())
}
