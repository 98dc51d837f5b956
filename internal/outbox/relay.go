// Package outbox moves committed status-change rows from the outbox table to
// Kafka. Delivery is at least once; consumers key on order id and status.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/infrastructure/kafka"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/metrics"
)

type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

type Relay struct {
	outbox    store.Outbox
	publisher Publisher
	batchSize int
	logger    *zap.Logger
}

func NewRelay(outbox store.Outbox, publisher Publisher, batchSize int, logger *zap.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		batchSize: batchSize,
		logger:    logger.Named("outbox"),
	}
}

// RelayOnce publishes one batch and marks it published. If publishing fails
// nothing is marked and the batch is retried on the next call.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.outbox.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		msgs = append(msgs, kafka.Message{Key: p.OrderID, EventType: p.EventType, Value: p.Payload})
		ids = append(ids, p.ID)
	}

	if err := r.publisher.Publish(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("publish outbox batch: %w", err)
	}
	if err := r.outbox.MarkPublished(ctx, ids); err != nil {
		return 0, fmt.Errorf("mark outbox published: %w", err)
	}

	metrics.RecordOutboxPublished(len(ids))
	r.logger.Debug("outbox batch relayed", zap.Int("count", len(ids)))
	return len(ids), nil
}

// Run relays until ctx is cancelled. A full batch is followed immediately by
// another, otherwise the relay waits for the next tick.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("outbox relay started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox relay failed", zap.Error(err))
		}
		if n == r.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}
