package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ec-payments/internal/auth"
	"github.com/example/ec-payments/internal/checkout"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/gateway"
	gwmocks "github.com/example/ec-payments/internal/gateway/mocks"
	"github.com/example/ec-payments/internal/infrastructure/store"
	storemocks "github.com/example/ec-payments/internal/infrastructure/store/mocks"
	"github.com/example/ec-payments/internal/ledger"
	"github.com/example/ec-payments/internal/query"
)

const testJWTSecret = "test-secret-key-for-testing-purposes"

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type testServer struct {
	server *httptest.Server
	store  *storemocks.MockOrderStore
	card   *gwmocks.MockClient
	wallet *gwmocks.MockClient
	db     *fakePinger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	st := storemocks.NewMockOrderStore()
	st.AddProduct(store.Product{ID: "shirt", Name: "Tour Shirt", Price: decimal.RequireFromString("20.00"), Active: true, Stock: 10})
	st.AddProduct(store.Product{ID: "vinyl", Name: "Vinyl", Price: decimal.RequireFromString("35.00"), Active: true, Stock: 5})

	card := gwmocks.NewMockClient(order.ProviderCard)
	wallet := gwmocks.NewMockClient(order.ProviderWallet)
	registry := gateway.NewRegistry(card, wallet)
	l := ledger.New(st, nil, logger)
	jwtService := auth.NewJWTService(testJWTSecret)
	db := &fakePinger{}

	handlers := NewHandlers(
		checkout.NewService(st, st, registry, "USD", order.Pricing{}, logger),
		checkout.NewWebhookHandler(st, l, registry, logger),
		query.NewHandler(st, logger),
		db,
		logger,
	)
	server := httptest.NewServer(NewRouter(handlers, jwtService, logger))
	t.Cleanup(server.Close)

	return &testServer{server: server, store: st, card: card, wallet: wallet, db: db}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (s *testServer) bearer(t *testing.T, customerID, role string) http.Header {
	t.Helper()
	claims := &auth.Claims{
		CustomerID: customerID,
		Email:      customerID + "@example.com",
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   customerID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

const checkoutBody = `{"provider":"card","items":[{"product_id":"shirt","quantity":1},{"product_id":"vinyl","quantity":2}],"email":"fan@example.com","return_url":"https://shop.test/return","cancel_url":"https://shop.test/cancel"}`

func (s *testServer) checkout(t *testing.T, header http.Header) *order.Order {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/checkout", []byte(checkoutBody), header)
	require.Equal(t, http.StatusCreated, status, body)
	o, err := s.store.GetOrderByNumber(context.Background(), body["order_number"].(string))
	require.NoError(t, err)
	return o
}

// ============================================
// Checkout Endpoint Tests
// ============================================

func TestCreateCheckout_Success(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/checkout", []byte(checkoutBody), nil)

	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "https://pay.test/card_sess_1", body["redirect_url"])
	assert.True(t, decimal.RequireFromString("90.00").Equal(decimal.RequireFromString(body["total"].(string))))
	assert.Equal(t, "USD", body["currency"])

	o, err := s.store.GetOrderByNumber(context.Background(), body["order_number"].(string))
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, o.Status)
	assert.Equal(t, "fan@example.com", o.CustomerEmail)
	assert.True(t, o.IsGuest())
}

func TestCreateCheckout_SignedInCustomer(t *testing.T) {
	s := newTestServer(t)

	o := s.checkout(t, s.bearer(t, "cust-1", auth.RoleCustomer))

	assert.Equal(t, "cust-1", o.CustomerID)
	assert.Equal(t, "fan@example.com", o.CustomerEmail)
}

func TestCreateCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setup      func(s *testServer)
		wantStatus int
		wantError  string
	}{
		{"malformed json", `{"provider":`, nil, http.StatusBadRequest, "invalid_json"},
		{"unknown provider", `{"provider":"crypto","items":[{"product_id":"shirt","quantity":1}]}`, nil, http.StatusBadRequest, "cart_invalid"},
		{"empty cart", `{"provider":"card","items":[]}`, nil, http.StatusBadRequest, "cart_invalid"},
		{"provider rejected", checkoutBody, func(s *testServer) {
			s.card.CreateErr = &gateway.ProviderError{Provider: order.ProviderCard, StatusCode: 402, Err: gateway.ErrProviderRejected}
		}, http.StatusPaymentRequired, "provider_rejected"},
		{"provider unavailable", checkoutBody, func(s *testServer) {
			s.card.CreateErr = &gateway.ProviderError{Provider: order.ProviderCard, StatusCode: 503, Err: gateway.ErrProviderUnavailable}
		}, http.StatusServiceUnavailable, "provider_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			if tt.setup != nil {
				tt.setup(s)
			}

			status, body := s.do(t, http.MethodPost, "/checkout", []byte(tt.body), nil)

			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}

func TestCreateCheckout_CartDetails(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/checkout", []byte(`{"provider":"card","items":[{"product_id":"ghost","quantity":1},{"product_id":"vinyl","quantity":9}]}`), nil)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Len(t, body["details"], 2)
}

func TestCreateCheckout_UnavailableReturnsOrderNumber(t *testing.T) {
	s := newTestServer(t)
	s.card.CreateErr = &gateway.ProviderError{Provider: order.ProviderCard, Err: gateway.ErrProviderUnavailable}

	_, body := s.do(t, http.MethodPost, "/checkout", []byte(checkoutBody), nil)

	number, _ := body["order_number"].(string)
	require.NotEmpty(t, number)
	o, err := s.store.GetOrderByNumber(context.Background(), number)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, o.Status)
}

// ============================================
// Webhook Endpoint Tests
// ============================================

func TestReceiveWebhook_CapturedThenReplayed(t *testing.T) {
	s := newTestServer(t)
	o := s.checkout(t, nil)
	body, header := s.card.Sign(gwmocks.Webhook{ID: "evt_1", Type: "captured", SessionID: o.ProviderSessionID, Amount: o.Total})

	status, resp := s.do(t, http.MethodPost, "/webhooks/card", body, header)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "applied", resp["status"])

	status, resp = s.do(t, http.MethodPost, "/webhooks/card", body, header)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate", resp["status"])

	paid, err := s.store.GetOrderByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, paid.Status)
	assert.Equal(t, 1, s.store.EventCount())
}

func TestReceiveWebhook_TamperedSignature(t *testing.T) {
	s := newTestServer(t)
	o := s.checkout(t, nil)
	body, header := s.card.Sign(gwmocks.Webhook{ID: "evt_1", Type: "captured", SessionID: o.ProviderSessionID, Amount: o.Total})
	body = bytes.Replace(body, []byte("evt_1"), []byte("evt_2"), 1)

	status, resp := s.do(t, http.MethodPost, "/webhooks/card", body, header)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_signature", resp["error"])
	pending, err := s.store.GetOrderByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, pending.Status)
	assert.Equal(t, 0, s.store.EventCount())
}

func TestReceiveWebhook_Acknowledged(t *testing.T) {
	s := newTestServer(t)

	unknownOrder, h1 := s.card.Sign(gwmocks.Webhook{ID: "evt_1", Type: "captured", SessionID: "cs_missing"})
	unsupported, h2 := s.card.Sign(gwmocks.Webhook{ID: "evt_2", Type: "customer.created"})

	status, resp := s.do(t, http.MethodPost, "/webhooks/card", unknownOrder, h1)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "unknown_order", resp["status"])

	status, resp = s.do(t, http.MethodPost, "/webhooks/card", unsupported, h2)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "unsupported", resp["status"])
}

func TestReceiveWebhook_UnknownProvider(t *testing.T) {
	s := newTestServer(t)

	status, resp := s.do(t, http.MethodPost, "/webhooks/crypto", []byte(`{}`), nil)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unknown_provider", resp["error"])
}

func TestReceiveWebhook_StoreFailureIsRetried(t *testing.T) {
	s := newTestServer(t)
	o := s.checkout(t, nil)
	s.store.ApplyErr = errors.New("connection reset")
	body, header := s.card.Sign(gwmocks.Webhook{ID: "evt_1", Type: "captured", SessionID: o.ProviderSessionID, Amount: o.Total})

	status, resp := s.do(t, http.MethodPost, "/webhooks/card", body, header)

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal", resp["error"])
}

func TestReceiveWebhook_WalletCaptureUnavailable(t *testing.T) {
	s := newTestServer(t)
	status, created := s.do(t, http.MethodPost, "/checkout", []byte(strings.Replace(checkoutBody, `"card"`, `"wallet"`, 1)), nil)
	require.Equal(t, http.StatusCreated, status)
	o, err := s.store.GetOrderByNumber(context.Background(), created["order_number"].(string))
	require.NoError(t, err)
	s.wallet.CaptureErr = &gateway.ProviderError{Provider: order.ProviderWallet, Err: gateway.ErrProviderUnavailable}
	body, header := s.wallet.Sign(gwmocks.Webhook{ID: "WH-1", Type: "approved", SessionID: o.ProviderSessionID})

	status, _ = s.do(t, http.MethodPost, "/webhooks/wallet", body, header)

	assert.Equal(t, http.StatusInternalServerError, status)
}

// ============================================
// Order Endpoint Tests
// ============================================

func TestGetOrder_Guest(t *testing.T) {
	s := newTestServer(t)
	o := s.checkout(t, nil)

	status, body := s.do(t, http.MethodGet, "/orders/"+o.Number, nil, nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, o.Number, body["order_number"])
	assert.Equal(t, "pending_payment", body["status"])
	assert.Len(t, body["items"], 2)
	assert.NotContains(t, body, "payments")
	assert.NotContains(t, body, "customer_email")
}

func TestGetOrder_Access(t *testing.T) {
	s := newTestServer(t)
	o := s.checkout(t, s.bearer(t, "cust-1", auth.RoleCustomer))
	captured, header := s.card.Sign(gwmocks.Webhook{ID: "evt_1", Type: "captured", SessionID: o.ProviderSessionID, Amount: o.Total})
	status, _ := s.do(t, http.MethodPost, "/webhooks/card", captured, header)
	require.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodGet, "/orders/"+o.Number, nil, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.do(t, http.MethodGet, "/orders/"+o.Number, nil, s.bearer(t, "cust-2", auth.RoleCustomer))
	assert.Equal(t, http.StatusForbidden, status)

	status, body := s.do(t, http.MethodGet, "/orders/"+o.Number, nil, s.bearer(t, "cust-1", auth.RoleCustomer))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "paid", body["status"])
	assert.NotContains(t, body, "payments")

	status, body = s.do(t, http.MethodGet, "/orders/"+o.Number, nil, s.bearer(t, "ops", auth.RoleAdmin))
	assert.Equal(t, http.StatusOK, status)
	payments, ok := body["payments"].([]any)
	require.True(t, ok)
	require.Len(t, payments, 1)
	assert.Equal(t, "evt_1", payments[0].(map[string]any)["event_id"])
}

func TestGetOrder_NotFound(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/orders/ORD-20260101-DEADBEEF", nil, nil)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

// ============================================
// Operational Endpoint Tests
// ============================================

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	s.db.err = errors.New("database is down")
	status, _ = s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.checkout(t, nil)

	resp, err := http.Get(s.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "checkout_requests_total")
	assert.Contains(t, string(raw), `endpoint="/checkout"`)
}
