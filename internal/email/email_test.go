package email

import (
	"errors"
	"net/smtp"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestService(sent *[]sentMail, err error) *Service {
	s := NewService("mail.test", "2525", "shop@example.com")
	s.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		*sent = append(*sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return err
	}
	return s
}

func testReceipt() Receipt {
	return Receipt{
		OrderNumber: "ORD-20261016-3F9A2C1B",
		Currency:    "USD",
		Total:       decimal.RequireFromString("1090.00"),
		Items: []ReceiptItem{
			{ProductID: "shirt", Name: "Tour <Shirt>", Quantity: 1, UnitPrice: decimal.RequireFromString("20.00"), LineTotal: decimal.RequireFromString("20.00")},
			{ProductID: "amp", Quantity: 1, UnitPrice: decimal.RequireFromString("1070.00"), LineTotal: decimal.RequireFromString("1070.00")},
		},
	}
}

// ============================================
// Formatting Tests
// ============================================

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		amount string
		want   string
	}{
		{"0", "USD 0.00"},
		{"5.5", "USD 5.50"},
		{"999.99", "USD 999.99"},
		{"1000", "USD 1,000.00"},
		{"1234567.891", "USD 1,234,567.89"},
		{"-42", "USD -42.00"},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatMoney(decimal.RequireFromString(tt.amount), "USD"))
		})
	}
}

func TestBuildReceiptBody(t *testing.T) {
	body := BuildReceiptBody(testReceipt(), "Thanks", "Paid.")

	assert.Contains(t, body, "ORD-20261016-3F9A2C1B")
	assert.Contains(t, body, "Tour &lt;Shirt&gt;")
	assert.Contains(t, body, ">amp<")
	assert.Contains(t, body, "USD 1,090.00")
}

// ============================================
// Service Tests
// ============================================

func TestService_SendPaymentReceipt(t *testing.T) {
	var sent []sentMail
	s := newTestService(&sent, nil)

	err := s.SendPaymentReceipt("fan@example.com", testReceipt())

	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "mail.test:2525", sent[0].addr)
	assert.Equal(t, []string{"fan@example.com"}, sent[0].to)
	assert.Contains(t, sent[0].msg, "Subject: Payment received for order ORD-20261016-3F9A2C1B\r\n")
}

func TestService_SendRefundConfirmation(t *testing.T) {
	var sent []sentMail
	s := newTestService(&sent, nil)

	err := s.SendRefundConfirmation("fan@example.com", testReceipt())

	require.NoError(t, err)
	assert.Contains(t, sent[0].msg, "Subject: Refund issued for order")
}

func TestService_RejectsHeaderInjection(t *testing.T) {
	var sent []sentMail
	s := newTestService(&sent, nil)

	err := s.SendPaymentReceipt("fan@example.com\r\nBcc: all@example.com", testReceipt())

	assert.Error(t, err)
	assert.Empty(t, sent)
}

func TestService_SendError(t *testing.T) {
	var sent []sentMail
	s := newTestService(&sent, errors.New("connection refused"))

	err := s.SendPaymentReceipt("fan@example.com", testReceipt())

	assert.EqualError(t, err, "connection refused")
}
