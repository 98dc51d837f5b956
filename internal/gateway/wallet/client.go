// Package wallet is the wallet-provider adapter: JSON order APIs behind an
// OAuth client-credentials token, with an explicit capture after the buyer
// approves.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
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
	sandboxBaseURL = "https://api.sandbox.wallet.example"
	liveBaseURL    = "https://api.wallet.example"
)

type Client struct {
	baseURL       string
	webhookID     string
	webhookSecret []byte
	tolerance     time.Duration
	tokens        *tokenSource
	transport     *gateway.Transport
	logger        *zap.Logger
	now           func() time.Time
}

var _ gateway.Client = (*Client)(nil)

func New(cfg config.WalletConfig, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	var problems []string
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		problems = append(problems, "wallet: client id and secret are required")
	}
	if cfg.WebhookID == "" || cfg.WebhookSecret == "" {
		problems = append(problems, "wallet: webhook id and secret are required")
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
	baseURL = strings.TrimRight(baseURL, "/")
	transport := gateway.NewTransport(order.ProviderWallet, timeout)

	return &Client{
		baseURL:       baseURL,
		webhookID:     cfg.WebhookID,
		webhookSecret: []byte(cfg.WebhookSecret),
		tolerance:     5 * time.Minute,
		tokens: &tokenSource{
			baseURL:      baseURL,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			transport:    transport,
			now:          time.Now,
		},
		transport: transport,
		logger:    logger.Named("wallet"),
		now:       time.Now,
	}, nil
}

func (c *Client) Name() order.Provider { return order.ProviderWallet }

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func newMoney(currency string, d decimal.Decimal) money {
	return money{CurrencyCode: currency, Value: d.StringFixed(2)}
}

type createOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Context       appContext     `json:"application_context"`
}

type purchaseUnit struct {
	ReferenceID string     `json:"reference_id,omitempty"`
	CustomID    string     `json:"custom_id,omitempty"`
	Amount      *amount    `json:"amount,omitempty"`
	Items       []unitItem `json:"items,omitempty"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type amount struct {
	money
	Breakdown *breakdown `json:"breakdown,omitempty"`
}

type breakdown struct {
	ItemTotal money `json:"item_total"`
	TaxTotal  money `json:"tax_total"`
	Shipping  money `json:"shipping"`
}

type unitItem struct {
	Name       string `json:"name"`
	Quantity   string `json:"quantity"`
	UnitAmount money  `json:"unit_amount"`
}

type appContext struct {
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type walletOrder struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

func (o *walletOrder) approveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

func (o *walletOrder) firstCapture() (capture, bool) {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0], true
		}
	}
	return capture{}, false
}

func (c *Client) CreatePaymentSession(ctx context.Context, o *order.Order, returnURL, cancelURL string) (*gateway.Session, error) {
	unit := purchaseUnit{
		ReferenceID: o.ID,
		CustomID:    o.Number,
		Amount: &amount{
			money: newMoney(o.Currency, o.Total),
			Breakdown: &breakdown{
				ItemTotal: newMoney(o.Currency, o.Subtotal),
				TaxTotal:  newMoney(o.Currency, o.Tax),
				Shipping:  newMoney(o.Currency, o.Shipping),
			},
		},
	}
	for _, item := range o.Items {
		unit.Items = append(unit.Items, unitItem{
			Name:       item.ProductName,
			Quantity:   decimal.NewFromInt(int64(item.Quantity)).String(),
			UnitAmount: newMoney(o.Currency, item.UnitPrice),
		})
	}

	payload := createOrderRequest{
		Intent:        "CAPTURE",
		PurchaseUnits: []purchaseUnit{unit},
		Context:       appContext{ReturnURL: returnURL, CancelURL: cancelURL},
	}

	var wo walletOrder
	if err := c.call(ctx, http.MethodPost, "/v2/checkout/orders", payload, "checkout-"+o.ID, &wo); err != nil {
		return nil, err
	}
	redirect := wo.approveURL()
	if wo.ID == "" || redirect == "" {
		return nil, &gateway.ProviderError{Provider: order.ProviderWallet, Message: "order response has no approval link", Err: gateway.ErrProviderUnavailable}
	}

	c.logger.Info("wallet order created", zap.String("order_number", o.Number), zap.String("session_id", wo.ID))
	return &gateway.Session{ID: wo.ID, RedirectURL: redirect}, nil
}

// CaptureOrRetrieve captures an approved order and otherwise reports the
// provider's current view of it.
func (c *Client) CaptureOrRetrieve(ctx context.Context, sessionID string) (*payment.ProviderPaymentState, error) {
	path := "/v2/checkout/orders/" + url.PathEscape(sessionID)

	var wo walletOrder
	if err := c.call(ctx, http.MethodGet, path, nil, "", &wo); err != nil {
		return nil, err
	}

	if wo.Status == "APPROVED" {
		var captured walletOrder
		err := c.call(ctx, http.MethodPost, path+"/capture", struct{}{}, "capture-"+sessionID, &captured)
		switch {
		case err == nil:
			wo = captured
		case errors.Is(err, gateway.ErrProviderRejected):
			// a concurrent capture (webhook vs reconciler) leaves the order COMPLETED
			if gerr := c.call(ctx, http.MethodGet, path, nil, "", &wo); gerr != nil {
				return nil, gerr
			}
			if wo.Status != "COMPLETED" {
				return &payment.ProviderPaymentState{SessionID: sessionID, State: payment.StateFailed, Reason: gateway.ErrorMessage(err)}, nil
			}
		default:
			return nil, err
		}
	}

	return c.stateOf(sessionID, &wo), nil
}

// ExpireSession abandons a wallet order locally. Money only moves through our
// own capture call, which the order's status gates, so the provider is not
// contacted.
func (c *Client) ExpireSession(_ context.Context, sessionID string) (*payment.ProviderPaymentState, error) {
	c.logger.Info("wallet order abandoned", zap.String("session_id", sessionID))
	return &payment.ProviderPaymentState{SessionID: sessionID, State: payment.StateExpired}, nil
}

func (c *Client) stateOf(sessionID string, wo *walletOrder) *payment.ProviderPaymentState {
	state := &payment.ProviderPaymentState{SessionID: sessionID, State: payment.StatePending}

	switch wo.Status {
	case "APPROVED":
		state.State = payment.StateApproved
	case "VOIDED":
		state.State = payment.StateExpired
	case "COMPLETED":
		cp, ok := wo.firstCapture()
		if !ok {
			return state
		}
		state.ChargeID = cp.ID
		state.Amount, _ = decimal.NewFromString(cp.Amount.Value)
		switch cp.Status {
		case "COMPLETED":
			state.State = payment.StateCaptured
		case "DECLINED", "FAILED":
			state.State = payment.StateFailed
			state.Reason = "capture " + strings.ToLower(cp.Status)
		case "REFUNDED":
			state.State = payment.StateRefunded
		}
	}
	return state
}

// call sends an authorized JSON request and decodes the response into out.
// A 401 invalidates the cached token and is retried once.
func (c *Client) call(ctx context.Context, method, path string, in any, requestID string, out any) error {
	var raw []byte
	if in != nil {
		var err error
		if raw, err = json.Marshal(in); err != nil {
			return err
		}
	}

	var body []byte
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		if requestID != "" {
			req.Header.Set("Wallet-Request-Id", requestID)
		}

		body, err = c.transport.Do(req)
		var pe *gateway.ProviderError
		if errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.tokens.invalidate()
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &gateway.ProviderError{Provider: order.ProviderWallet, Message: "malformed response", Err: gateway.ErrProviderUnavailable}
	}
	return nil
}
