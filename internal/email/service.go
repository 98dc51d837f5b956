package email

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Service handles email sending via SMTP
type Service struct {
	host string
	port string
	from string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(host, port, from string) *Service {
	return &Service{
		host: host,
		port: port,
		from: from,
		send: smtp.SendMail,
	}
}

// SendPaymentReceipt tells the customer their payment was captured.
func (s *Service) SendPaymentReceipt(to string, r Receipt) error {
	subject := fmt.Sprintf("Payment received for order %s", r.OrderNumber)
	return s.deliver(to, subject, BuildReceiptBody(r, "Thank you for your order", "We have received your payment."))
}

// SendRefundConfirmation tells the customer their payment was refunded.
func (s *Service) SendRefundConfirmation(to string, r Receipt) error {
	subject := fmt.Sprintf("Refund issued for order %s", r.OrderNumber)
	return s.deliver(to, subject, BuildReceiptBody(r, "Your refund is on its way", "The full amount below has been refunded to your original payment method."))
}

func (s *Service) deliver(to, subject, body string) error {
	if strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("invalid recipient %q", to)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		s.from, to, subject, body)
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	return s.send(addr, nil, s.from, []string{to}, []byte(msg))
}
