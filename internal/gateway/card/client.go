// Package card is the card-processor adapter: hosted checkout sessions
// created with form-encoded requests and webhooks signed with HMAC-SHA256.
package card

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
	"github.com/example/ec-payments/internal/gateway"
)

const (
	sandboxBaseURL = "https://api.sandbox.cardprocessor.example"
	liveBaseURL    = "https://api.cardprocessor.example"

	// the processor accepts session lifetimes in this range
	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 24 * time.Hour
)

type Client struct {
	apiKey        string
	webhookSecret []byte
	tolerance     time.Duration
	sessionTTL    time.Duration
	baseURL       string
	transport     *gateway.Transport
	logger        *zap.Logger
	now           func() time.Time
}

var _ gateway.Client = (*Client)(nil)

// New fails with *config.ConfigurationError when credentials are missing so
// that the process refuses to start.
func New(cfg config.CardConfig, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	var problems []string
	if cfg.APIKey == "" {
		problems = append(problems, "card: API key is required")
	}
	if cfg.WebhookSecret == "" {
		problems = append(problems, "card: webhook signing secret is required")
	}
	if len(problems) > 0 {
		return nil, &config.ConfigurationError{Problems: problems}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sandboxBaseURL
		if cfg.Mode == config.ModeLive {
			baseURL = liveBaseURL
		}
	}
	tolerance := cfg.SignatureTolerance
	if tolerance == 0 {
		tolerance = 5 * time.Minute
	}
	ttl := cfg.SessionTTL
	switch {
	case ttl == 0:
	case ttl < minSessionTTL:
		ttl = minSessionTTL
	case ttl > maxSessionTTL:
		ttl = maxSessionTTL
	}

	return &Client{
		apiKey:        cfg.APIKey,
		webhookSecret: []byte(cfg.WebhookSecret),
		tolerance:     tolerance,
		sessionTTL:    ttl,
		baseURL:       strings.TrimRight(baseURL, "/"),
		transport:     gateway.NewTransport(order.ProviderCard, timeout),
		logger:        logger.Named("card"),
		now:           time.Now,
	}, nil
}

func (c *Client) Name() order.Provider { return order.ProviderCard }

type checkoutSession struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	Status         string `json:"status"`
	PaymentStatus  string `json:"payment_status"`
	PaymentIntent  string `json:"payment_intent"`
	AmountTotal    int64  `json:"amount_total"`
	ClientRefID    string `json:"client_reference_id"`
	FailureMessage string `json:"failure_message"`
}

func (c *Client) CreatePaymentSession(ctx context.Context, o *order.Order, returnURL, cancelURL string) (*gateway.Session, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", o.Number)
	form.Set("success_url", returnURL)
	form.Set("cancel_url", cancelURL)
	form.Set("currency", strings.ToLower(o.Currency))
	form.Set("metadata[order_number]", o.Number)
	form.Set("payment_intent_data[metadata][order_number]", o.Number)
	if o.CustomerEmail != "" {
		form.Set("customer_email", o.CustomerEmail)
	}
	if c.sessionTTL > 0 {
		form.Set("expires_at", strconv.FormatInt(c.now().Add(c.sessionTTL).Unix(), 10))
	}
	for i, item := range o.Items {
		prefix := fmt.Sprintf("line_items[%d]", i)
		form.Set(prefix+"[name]", item.ProductName)
		form.Set(prefix+"[unit_amount]", strconv.FormatInt(minorUnits(item.UnitPrice), 10))
		form.Set(prefix+"[quantity]", strconv.Itoa(item.Quantity))
	}
	if extra := o.Tax.Add(o.Shipping); extra.IsPositive() {
		idx := len(o.Items)
		form.Set(fmt.Sprintf("line_items[%d][name]", idx), "Tax and shipping")
		form.Set(fmt.Sprintf("line_items[%d][unit_amount]", idx), strconv.FormatInt(minorUnits(extra), 10))
		form.Set(fmt.Sprintf("line_items[%d][quantity]", idx), "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", "checkout-"+o.ID)
	req.SetBasicAuth(c.apiKey, "")

	body, err := c.transport.Do(req)
	if err != nil {
		return nil, err
	}

	var s checkoutSession
	if err := json.Unmarshal(body, &s); err != nil || s.ID == "" || s.URL == "" {
		return nil, &gateway.ProviderError{Provider: order.ProviderCard, Message: "malformed session response", Err: gateway.ErrProviderUnavailable}
	}

	c.logger.Info("checkout session created", zap.String("order_number", o.Number), zap.String("session_id", s.ID))
	return &gateway.Session{ID: s.ID, RedirectURL: s.URL}, nil
}

// CaptureOrRetrieve reads the session; card sessions capture automatically on
// completion so no separate capture call is needed.
func (c *Client) CaptureOrRetrieve(ctx context.Context, sessionID string) (*payment.ProviderPaymentState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.apiKey, "")

	body, err := c.transport.Do(req)
	if err != nil {
		return nil, err
	}
	return stateOf(sessionID, body)
}

// ExpireSession closes an open session. The processor refuses to expire a
// session that already completed, so a rejection is answered by reading the
// session instead.
func (c *Client) ExpireSession(ctx context.Context, sessionID string) (*payment.ProviderPaymentState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions/"+url.PathEscape(sessionID)+"/expire", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Idempotency-Key", "expire-"+sessionID)
	req.SetBasicAuth(c.apiKey, "")

	body, err := c.transport.Do(req)
	if errors.Is(err, gateway.ErrProviderRejected) {
		c.logger.Info("session could not be expired; reading its state", zap.String("session_id", sessionID), zap.Error(err))
		return c.CaptureOrRetrieve(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info("checkout session expired", zap.String("session_id", sessionID))
	return stateOf(sessionID, body)
}

func stateOf(sessionID string, body []byte) (*payment.ProviderPaymentState, error) {
	var s checkoutSession
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, &gateway.ProviderError{Provider: order.ProviderCard, Message: "malformed session response", Err: gateway.ErrProviderUnavailable}
	}

	state := &payment.ProviderPaymentState{
		SessionID: sessionID,
		ChargeID:  s.PaymentIntent,
		Amount:    fromMinor(s.AmountTotal),
		Reason:    s.FailureMessage,
	}
	switch {
	case s.Status == "complete" && s.PaymentStatus == "paid":
		state.State = payment.StateCaptured
	case s.Status == "expired":
		state.State = payment.StateExpired
	case s.PaymentStatus == "failed":
		state.State = payment.StateFailed
	default:
		state.State = payment.StatePending
	}
	return state, nil
}

func minorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
