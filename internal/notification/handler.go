// Package notification emails customers when their order is paid or refunded.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/email"
)

const sentTTL = 30 * 24 * time.Hour

type Mailer interface {
	SendPaymentReceipt(to string, r email.Receipt) error
	SendRefundConfirmation(to string, r email.Receipt) error
}

// Handler processes order status events from Kafka
type Handler struct {
	mailer Mailer
	sent   *redis.Client
	logger *zap.Logger
}

// NewHandler builds a handler. sent may be nil, in which case a redelivered
// event sends its email again.
func NewHandler(mailer Mailer, sent *redis.Client, logger *zap.Logger) *Handler {
	return &Handler{mailer: mailer, sent: sent, logger: logger.Named("notifier")}
}

func sentKey(orderID string, status order.Status) string {
	return fmt.Sprintf("notifications:sent:%s:%s", orderID, status)
}

// HandleEvent processes an event from Kafka
func (h *Handler) HandleEvent(ctx context.Context, eventType string, _, value []byte) error {
	if eventType != order.EventStatusChanged {
		return nil
	}

	var e order.StatusChanged
	if err := json.Unmarshal(value, &e); err != nil {
		// redelivery cannot fix a bad payload
		h.logger.Error("failed to unmarshal status change", zap.Error(err))
		return nil
	}

	var send func(string, email.Receipt) error
	switch e.To {
	case order.StatusPaid:
		send = h.mailer.SendPaymentReceipt
	case order.StatusRefunded:
		send = h.mailer.SendRefundConfirmation
	default:
		return nil
	}

	log := h.logger.With(zap.String("order_number", e.OrderNumber), zap.String("status", string(e.To)))
	if e.CustomerEmail == "" {
		log.Debug("no customer email on order; skipping")
		return nil
	}

	claimed, err := h.claim(ctx, e)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("notification already sent")
		return nil
	}

	if err := send(e.CustomerEmail, receiptFrom(e)); err != nil {
		h.unclaim(ctx, e)
		log.Warn("failed to send email", zap.Error(err))
		return err
	}
	log.Info("notification email sent")
	return nil
}

func (h *Handler) claim(ctx context.Context, e order.StatusChanged) (bool, error) {
	if h.sent == nil {
		return true, nil
	}
	ok, err := h.sent.SetNX(ctx, sentKey(e.OrderID, e.To), 1, sentTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return ok, nil
}

func (h *Handler) unclaim(ctx context.Context, e order.StatusChanged) {
	if h.sent == nil {
		return
	}
	if err := h.sent.Del(ctx, sentKey(e.OrderID, e.To)).Err(); err != nil {
		h.logger.Warn("failed to release notification claim", zap.Error(err))
	}
}

func receiptFrom(e order.StatusChanged) email.Receipt {
	items := make([]email.ReceiptItem, 0, len(e.Items))
	for _, it := range e.Items {
		items = append(items, email.ReceiptItem{
			ProductID: it.ProductID,
			Name:      it.ProductName,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal,
		})
	}
	return email.Receipt{
		OrderNumber: e.OrderNumber,
		Currency:    e.Currency,
		Total:       e.Total,
		Items:       items,
	}
}
