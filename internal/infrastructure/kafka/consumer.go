package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, eventType string, key, value []byte) error

type Consumer struct {
	reader     *kafka.Reader
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{
		reader:     reader,
		logger:     logger.Named("kafka"),
		maxRetries: 3,
		backoff:    time.Second,
	}
}

// Consume commits each message after the handler has run, retrying failures
// with a linear backoff. A message that still fails is logged and skipped.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("error reading message", zap.Error(err))
			continue
		}

		if err := c.handleWithRetry(ctx, msg, handler); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Error("failed to handle message after retries",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	carrier := headerCarrier(msg.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)
	eventType := carrier.Get(eventTypeHeader)

	msgCtx, span := otel.Tracer("kafka-consumer").Start(msgCtx, "ConsumeMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.event_type", eventType),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		lastErr = handler(msgCtx, eventType, msg.Key, msg.Value)
		if lastErr == nil {
			return nil
		}
		span.RecordError(lastErr)
		if attempt == c.maxRetries {
			break
		}
		wait := time.Duration(attempt) * c.backoff
		c.logger.Warn("retrying message", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
