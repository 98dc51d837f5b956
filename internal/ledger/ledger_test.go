package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ec-payments/internal/domain/order"
)

type fakeSource struct {
	applied map[string]bool
	err     error
	calls   int
}

func (f *fakeSource) HasPaymentEvent(_ context.Context, provider order.Provider, eventID string) (bool, error) {
	f.calls++
	return f.applied[Key(provider, eventID)], f.err
}

func TestKey(t *testing.T) {
	assert.Equal(t, "payments:applied:card:evt_1", Key(order.ProviderCard, "evt_1"))
}

func TestHasApplied_CacheHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	src := &fakeSource{}
	l := New(src, db, zaptest.NewLogger(t))

	mock.ExpectExists(Key(order.ProviderCard, "evt_1")).SetVal(1)

	ok, err := l.HasApplied(context.Background(), order.ProviderCard, "evt_1")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, src.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasApplied_CacheMissFallsThroughAndBackfills(t *testing.T) {
	db, mock := redismock.NewClientMock()
	src := &fakeSource{applied: map[string]bool{Key(order.ProviderWallet, "WH-1"): true}}
	l := New(src, db, zaptest.NewLogger(t))

	mock.ExpectExists(Key(order.ProviderWallet, "WH-1")).SetVal(0)
	mock.ExpectSet(Key(order.ProviderWallet, "WH-1"), 1, defaultTTL).SetVal("OK")

	ok, err := l.HasApplied(context.Background(), order.ProviderWallet, "WH-1")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, src.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasApplied_CacheErrorFallsThrough(t *testing.T) {
	db, mock := redismock.NewClientMock()
	src := &fakeSource{}
	l := New(src, db, zaptest.NewLogger(t))

	mock.ExpectExists(Key(order.ProviderCard, "evt_2")).SetErr(errors.New("i/o timeout"))

	ok, err := l.HasApplied(context.Background(), order.ProviderCard, "evt_2")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, src.calls)
}

func TestHasApplied_DatabaseErrorSurfaces(t *testing.T) {
	src := &fakeSource{err: errors.New("connection reset")}
	l := New(src, nil, zaptest.NewLogger(t))

	_, err := l.HasApplied(context.Background(), order.ProviderCard, "evt_3")

	assert.Error(t, err)
}

func TestRemember_WithoutCacheIsNoop(t *testing.T) {
	l := New(&fakeSource{}, nil, zaptest.NewLogger(t))

	assert.NotPanics(t, func() { l.Remember(context.Background(), order.ProviderCard, "evt_1") })
}

func TestRemember_WriteErrorIsSwallowed(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := New(&fakeSource{}, db, zaptest.NewLogger(t))

	mock.ExpectSet(Key(order.ProviderCard, "evt_1"), 1, defaultTTL).SetErr(errors.New("READONLY"))

	l.Remember(context.Background(), order.ProviderCard, "evt_1")

	assert.NoError(t, mock.ExpectationsWereMet())
}
