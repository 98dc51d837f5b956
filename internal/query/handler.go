// Package query is the read side: order lookups for customers and operators.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
)

var ErrForbidden = errors.New("order belongs to another customer")

type OrderReader interface {
	GetOrderByNumber(ctx context.Context, number string) (*order.Order, error)
	ListPaymentEvents(ctx context.Context, orderID string) ([]payment.Record, error)
}

// Viewer is who is asking. The zero value is an anonymous caller.
type Viewer struct {
	CustomerID string
	Admin      bool
}

type OrderView struct {
	OrderNumber   string          `json:"order_number"`
	Status        order.Status    `json:"status"`
	Provider      order.Provider  `json:"provider"`
	Currency      string          `json:"currency"`
	Items         []order.Item    `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Shipping      decimal.Decimal `json:"shipping"`
	Total         decimal.Decimal `json:"total"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Payments      []PaymentView   `json:"payments,omitempty"`
}

type PaymentView struct {
	EventID   string          `json:"event_id"`
	Kind      order.EventKind `json:"kind"`
	Partial   bool            `json:"partial,omitempty"`
	From      order.Status    `json:"from"`
	To        order.Status    `json:"to"`
	Anomaly   bool            `json:"anomaly"`
	Checksum  string          `json:"checksum"`
	AppliedAt time.Time       `json:"applied_at"`
}

type Handler struct {
	orders OrderReader
	logger *zap.Logger
}

func NewHandler(orders OrderReader, logger *zap.Logger) *Handler {
	return &Handler{orders: orders, logger: logger.Named("query")}
}

// GetOrder returns the order with its items. Orders placed by a signed-in
// customer are visible only to that customer and to admins; guest orders to
// anyone holding the number. Payment history is admin-only.
func (h *Handler) GetOrder(ctx context.Context, number string, viewer Viewer) (*OrderView, error) {
	o, err := h.orders.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != "" && o.CustomerID != viewer.CustomerID && !viewer.Admin {
		return nil, ErrForbidden
	}

	view := &OrderView{
		OrderNumber: o.Number,
		Status:      o.Status,
		Provider:    o.Provider,
		Currency:    o.Currency,
		Items:       o.Items,
		Subtotal:    o.Subtotal,
		Tax:         o.Tax,
		Shipping:    o.Shipping,
		Total:       o.Total,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
	if viewer.Admin || (o.CustomerID != "" && o.CustomerID == viewer.CustomerID) {
		view.CustomerEmail = o.CustomerEmail
	}

	if viewer.Admin {
		records, err := h.orders.ListPaymentEvents(ctx, o.ID)
		if err != nil {
			h.logger.Error("failed to load payment history", zap.String("order_number", number), zap.Error(err))
			return nil, err
		}
		view.Payments = make([]PaymentView, 0, len(records))
		for _, r := range records {
			view.Payments = append(view.Payments, PaymentView{
				EventID:   r.EventID,
				Kind:      r.Kind,
				Partial:   r.Partial,
				From:      r.PreviousStatus,
				To:        r.ResultingStatus,
				Anomaly:   r.Anomaly,
				Checksum:  r.Checksum,
				AppliedAt: r.AppliedAt,
			})
		}
	}
	return view, nil
}
