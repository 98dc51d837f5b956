package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/email"
)

type fakeMailer struct {
	err      error
	receipts []email.Receipt
	refunds  []email.Receipt
	to       []string
}

func (m *fakeMailer) SendPaymentReceipt(to string, r email.Receipt) error {
	if m.err != nil {
		return m.err
	}
	m.to = append(m.to, to)
	m.receipts = append(m.receipts, r)
	return nil
}

func (m *fakeMailer) SendRefundConfirmation(to string, r email.Receipt) error {
	if m.err != nil {
		return m.err
	}
	m.to = append(m.to, to)
	m.refunds = append(m.refunds, r)
	return nil
}

func statusChanged(t *testing.T, to order.Status, emailAddr string) []byte {
	t.Helper()
	raw, err := json.Marshal(order.StatusChanged{
		OrderID:       "order-1",
		OrderNumber:   "ORD-20261016-3F9A2C1B",
		From:          order.StatusPendingPayment,
		To:            to,
		Trigger:       order.EventPaymentCaptured,
		CustomerEmail: emailAddr,
		Total:         decimal.RequireFromString("90.00"),
		Currency:      "USD",
		Items: []order.Item{
			{ProductID: "shirt", ProductName: "Tour Shirt", UnitPrice: decimal.RequireFromString("20.00"), Quantity: 1, LineTotal: decimal.RequireFromString("20.00")},
		},
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	return raw
}

// ============================================
// HandleEvent Tests
// ============================================

func TestHandler_HandleEvent_PaidSendsReceipt(t *testing.T) {
	mailer := &fakeMailer{}
	h := NewHandler(mailer, nil, zaptest.NewLogger(t))

	err := h.HandleEvent(context.Background(), order.EventStatusChanged, []byte("order-1"), statusChanged(t, order.StatusPaid, "fan@example.com"))

	require.NoError(t, err)
	require.Len(t, mailer.receipts, 1)
	assert.Equal(t, []string{"fan@example.com"}, mailer.to)
	r := mailer.receipts[0]
	assert.Equal(t, "ORD-20261016-3F9A2C1B", r.OrderNumber)
	assert.Equal(t, "Tour Shirt", r.Items[0].Name)
	assert.True(t, decimal.RequireFromString("90.00").Equal(r.Total))
}

func TestHandler_HandleEvent_RefundedSendsConfirmation(t *testing.T) {
	mailer := &fakeMailer{}
	h := NewHandler(mailer, nil, zaptest.NewLogger(t))

	err := h.HandleEvent(context.Background(), order.EventStatusChanged, nil, statusChanged(t, order.StatusRefunded, "fan@example.com"))

	require.NoError(t, err)
	assert.Len(t, mailer.refunds, 1)
	assert.Empty(t, mailer.receipts)
}

func TestHandler_HandleEvent_Ignored(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		value     []byte
	}{
		{"other event type", "ProductUpdated", statusChanged(t, order.StatusPaid, "fan@example.com")},
		{"expired order", order.EventStatusChanged, statusChanged(t, order.StatusExpired, "fan@example.com")},
		{"no email", order.EventStatusChanged, statusChanged(t, order.StatusPaid, "")},
		{"bad payload", order.EventStatusChanged, []byte("{not json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mailer := &fakeMailer{}
			h := NewHandler(mailer, nil, zaptest.NewLogger(t))

			err := h.HandleEvent(context.Background(), tt.eventType, nil, tt.value)

			assert.NoError(t, err)
			assert.Empty(t, mailer.to)
		})
	}
}

func TestHandler_HandleEvent_SendErrorIsRetried(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("smtp down")}
	h := NewHandler(mailer, nil, zaptest.NewLogger(t))

	err := h.HandleEvent(context.Background(), order.EventStatusChanged, nil, statusChanged(t, order.StatusPaid, "fan@example.com"))

	assert.EqualError(t, err, "smtp down")
}

// ============================================
// Redelivery Tests
// ============================================

func TestHandler_HandleEvent_ClaimsOnce(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mailer := &fakeMailer{}
	h := NewHandler(mailer, db, zaptest.NewLogger(t))
	key := sentKey("order-1", order.StatusPaid)
	value := statusChanged(t, order.StatusPaid, "fan@example.com")

	mock.ExpectSetNX(key, 1, sentTTL).SetVal(true)
	mock.ExpectSetNX(key, 1, sentTTL).SetVal(false)

	require.NoError(t, h.HandleEvent(context.Background(), order.EventStatusChanged, nil, value))
	require.NoError(t, h.HandleEvent(context.Background(), order.EventStatusChanged, nil, value))

	assert.Len(t, mailer.receipts, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_HandleEvent_SendFailureReleasesClaim(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mailer := &fakeMailer{err: errors.New("smtp down")}
	h := NewHandler(mailer, db, zaptest.NewLogger(t))
	key := sentKey("order-1", order.StatusPaid)

	mock.ExpectSetNX(key, 1, sentTTL).SetVal(true)
	mock.ExpectDel(key).SetVal(1)

	err := h.HandleEvent(context.Background(), order.EventStatusChanged, nil, statusChanged(t, order.StatusPaid, "fan@example.com"))

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_HandleEvent_ClaimErrorIsRetried(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mailer := &fakeMailer{}
	h := NewHandler(mailer, db, zaptest.NewLogger(t))

	mock.ExpectSetNX(sentKey("order-1", order.StatusPaid), 1, sentTTL).SetErr(errors.New("redis down"))

	err := h.HandleEvent(context.Background(), order.EventStatusChanged, nil, statusChanged(t, order.StatusPaid, "fan@example.com"))

	assert.Error(t, err)
	assert.Empty(t, mailer.to)
}
