package order

import (
	"time"

	"github.com/shopspring/decimal"
)

const EventStatusChanged = "OrderStatusChanged"

// StatusChanged is published to Kafka (via the outbox) whenever a payment
// event moves an order to a new status.
type StatusChanged struct {
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	From          Status          `json:"from"`
	To            Status          `json:"to"`
	Trigger       EventKind       `json:"trigger"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	Items         []Item          `json:"items"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func NewStatusChanged(o *Order, d Decision, trigger EventKind, at time.Time) StatusChanged {
	return StatusChanged{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		From:          d.From,
		To:            d.Next,
		Trigger:       trigger,
		CustomerEmail: o.CustomerEmail,
		Total:         o.Total,
		Currency:      o.Currency,
		Items:         o.Items,
		OccurredAt:    at,
	}
}
