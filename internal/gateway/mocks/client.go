package mocks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
	"github.com/example/ec-payments/internal/gateway"
)

const SignatureHeader = "X-Test-Signature"

// Webhook is the body format the mock provider signs and verifies.
type Webhook struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	OrderNumber string          `json:"order_number,omitempty"`
	ChargeID    string          `json:"charge_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Full        bool            `json:"full,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// MockClient is a gateway.Client for tests. Webhooks are signed with an HMAC
// of the raw body in SignatureHeader.
type MockClient struct {
	mu       sync.Mutex
	provider order.Provider
	secret   []byte
	sessions int

	// Optional error injection
	CreateErr  error
	CaptureErr error
	ExpireErr  error
	// States is returned by CaptureOrRetrieve, keyed by session id. Missing
	// sessions report pending.
	States map[string]*payment.ProviderPaymentState
	// ExpireState, when set, is what ExpireSession reports, as if the
	// customer paid while the session was being closed.
	ExpireState *payment.ProviderPaymentState

	CreateCalls  []string
	CaptureCalls []string
	ExpireCalls  []string
}

var _ gateway.Client = (*MockClient)(nil)

func NewMockClient(provider order.Provider) *MockClient {
	return &MockClient{
		provider: provider,
		secret:   []byte("test-secret-" + string(provider)),
		States:   make(map[string]*payment.ProviderPaymentState),
	}
}

func (m *MockClient) Name() order.Provider { return m.provider }

func (m *MockClient) CreatePaymentSession(_ context.Context, o *order.Order, _, _ string) (*gateway.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls = append(m.CreateCalls, o.Number)
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	m.sessions++
	id := fmt.Sprintf("%s_sess_%d", m.provider, m.sessions)
	return &gateway.Session{ID: id, RedirectURL: "https://pay.test/" + id}, nil
}

func (m *MockClient) CaptureOrRetrieve(_ context.Context, sessionID string) (*payment.ProviderPaymentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CaptureCalls = append(m.CaptureCalls, sessionID)
	if m.CaptureErr != nil {
		return nil, m.CaptureErr
	}
	if s, ok := m.States[sessionID]; ok {
		c := *s
		return &c, nil
	}
	return &payment.ProviderPaymentState{SessionID: sessionID, State: payment.StatePending}, nil
}

// ExpireSession closes a pending session. A session whose state was set to
// anything other than pending is reported unchanged, like a provider that
// refuses to expire a completed checkout.
func (m *MockClient) ExpireSession(_ context.Context, sessionID string) (*payment.ProviderPaymentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExpireCalls = append(m.ExpireCalls, sessionID)
	if m.ExpireErr != nil {
		return nil, m.ExpireErr
	}
	if m.ExpireState != nil {
		c := *m.ExpireState
		return &c, nil
	}
	if s, ok := m.States[sessionID]; ok && s.State != payment.StatePending {
		c := *s
		return &c, nil
	}
	expired := &payment.ProviderPaymentState{SessionID: sessionID, State: payment.StateExpired}
	m.States[sessionID] = expired
	c := *expired
	return &c, nil
}

// SetState fixes what CaptureOrRetrieve reports for a session.
func (m *MockClient) SetState(s payment.ProviderPaymentState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.States[s.SessionID] = &s
}

func (m *MockClient) VerifyWebhook(rawBody []byte, header http.Header) (*payment.VerifiedEvent, error) {
	sig, err := hex.DecodeString(header.Get(SignatureHeader))
	if err != nil || !hmac.Equal(sig, m.sign(rawBody)) {
		return nil, gateway.ErrInvalidSignature
	}

	var w Webhook
	if err := json.Unmarshal(rawBody, &w); err != nil || w.ID == "" {
		return nil, gateway.ErrMalformedEvent
	}

	ev := &payment.VerifiedEvent{
		Provider:    m.provider,
		EventID:     w.ID,
		Type:        w.Type,
		SessionID:   w.SessionID,
		OrderNumber: w.OrderNumber,
		Checksum:    payment.Checksum(rawBody),
	}
	switch w.Type {
	case "approved":
		ev.Payload = payment.Approved{}
	case "captured":
		ev.Payload = payment.Captured{ChargeID: w.ChargeID, Amount: w.Amount}
	case "failed":
		ev.Payload = payment.Failed{Reason: w.Reason}
	case "expired":
		ev.Payload = payment.Expired{}
	case "refunded":
		ev.Payload = payment.Refunded{RefundID: w.ChargeID, Amount: w.Amount, Full: w.Full}
	default:
		return nil, payment.ErrUnsupportedEvent
	}
	return ev, nil
}

// Sign returns a body and a header the mock accepts.
func (m *MockClient) Sign(w Webhook) ([]byte, http.Header) {
	body, _ := json.Marshal(w)
	h := http.Header{}
	h.Set(SignatureHeader, hex.EncodeToString(m.sign(body)))
	return body, h
}

func (m *MockClient) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
