// Package ledger answers "has this provider event already been applied?".
// The payment_events table is authoritative; Redis is a read-through cache in
// front of it that is only ever populated after a commit.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/domain/order"
)

const defaultTTL = 7 * 24 * time.Hour

// Source is the durable side of the ledger.
type Source interface {
	HasPaymentEvent(ctx context.Context, provider order.Provider, eventID string) (bool, error)
}

type Ledger struct {
	source Source
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New builds a ledger. cache may be nil.
func New(source Source, cache *redis.Client, logger *zap.Logger) *Ledger {
	return &Ledger{source: source, cache: cache, ttl: defaultTTL, logger: logger.Named("ledger")}
}

func Key(provider order.Provider, eventID string) string {
	return fmt.Sprintf("payments:applied:%s:%s", provider, eventID)
}

// HasApplied checks the cache, then the database. Cache errors are logged and
// never fail the lookup.
func (l *Ledger) HasApplied(ctx context.Context, provider order.Provider, eventID string) (bool, error) {
	if l.cache != nil {
		n, err := l.cache.Exists(ctx, Key(provider, eventID)).Result()
		switch {
		case err != nil:
			l.logger.Warn("ledger cache lookup failed", zap.Error(err))
		case n > 0:
			return true, nil
		}
	}

	applied, err := l.source.HasPaymentEvent(ctx, provider, eventID)
	if err != nil {
		return false, err
	}
	if applied {
		l.Remember(ctx, provider, eventID)
	}
	return applied, nil
}

// Remember marks an event as applied in the cache. Call it only after the
// ledger row has been committed.
func (l *Ledger) Remember(ctx context.Context, provider order.Provider, eventID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, Key(provider, eventID), 1, l.ttl).Err(); err != nil {
		l.logger.Warn("ledger cache write failed", zap.String("event_id", eventID), zap.Error(err))
	}
}
