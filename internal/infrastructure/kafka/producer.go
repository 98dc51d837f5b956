package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const eventTypeHeader = "event-type"

// Message is one record handed to the producer.
type Message struct {
	Key       string
	EventType string
	Value     []byte
}

type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer, logger: logger.Named("kafka")}
}

// Publish writes the batch synchronously. Messages with the same key land on
// the same partition, so per-order events keep their order.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toKafka(ctx, m))
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		return err
	}
	p.logger.Debug("messages published", zap.String("topic", p.writer.Topic), zap.Int("count", len(out)))
	return nil
}

func toKafka(ctx context.Context, m Message) kafka.Message {
	carrier := headerCarrier{{Key: eventTypeHeader, Value: []byte(m.EventType)}}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	return kafka.Message{
		Key:     []byte(m.Key),
		Value:   m.Value,
		Headers: carrier,
		Time:    time.Now(),
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// headerCarrier adapts Kafka headers to propagation.TextMapCarrier.
type headerCarrier []kafka.Header

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
