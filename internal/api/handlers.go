package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/api/middleware"
	"github.com/example/ec-payments/internal/checkout"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/query"
)

const maxWebhookBody = 1 << 20

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handlers struct {
	checkout *checkout.Service
	webhooks *checkout.WebhookHandler
	query    *query.Handler
	db       Pinger
	logger   *zap.Logger
}

func NewHandlers(svc *checkout.Service, webhooks *checkout.WebhookHandler, q *query.Handler, db Pinger, logger *zap.Logger) *Handlers {
	return &Handlers{
		checkout: svc,
		webhooks: webhooks,
		query:    q,
		db:       db,
		logger:   logger.Named("api"),
	}
}

// Checkout

type checkoutRequest struct {
	Provider string `json:"provider"`
	Items    []struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	} `json:"items"`
	Email     string `json:"email"`
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type checkoutResponse struct {
	OrderNumber string          `json:"order_number"`
	RedirectURL string          `json:"redirect_url"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
}

func (h *Handlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	provider, ok := order.ParseProvider(req.Provider)
	if !ok {
		respondError(w, http.StatusBadRequest, "cart_invalid", "unsupported provider "+req.Provider)
		return
	}

	cart := checkout.Cart{
		Provider:  provider,
		ReturnURL: req.ReturnURL,
		CancelURL: req.CancelURL,
	}
	for _, it := range req.Items {
		cart.Items = append(cart.Items, checkout.CartItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	customer := checkout.Customer{Email: strings.TrimSpace(req.Email)}
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		customer.ID = claims.CustomerID
		if customer.Email == "" {
			customer.Email = claims.Email
		}
	}

	res, err := h.checkout.StartCheckout(r.Context(), cart, customer)
	if err != nil {
		h.respondCheckoutError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, checkoutResponse{
		OrderNumber: res.Order.Number,
		RedirectURL: res.RedirectURL,
		Total:       res.Order.Total,
		Currency:    res.Order.Currency,
	})
}

func (h *Handlers) respondCheckoutError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{"error": errorCode(err)}

	var cartErr *checkout.CartError
	var sessErr *checkout.SessionError
	switch {
	case errors.As(err, &cartErr):
		body["details"] = cartErr.Problems
	case errors.As(err, &sessErr):
		body["order_number"] = sessErr.OrderNumber
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("checkout failed", zap.Error(err))
	}
	respondJSON(w, status, body)
}

// Webhooks

func (h *Handlers) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	provider, ok := order.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown_provider", "unknown payment provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	outcome, err := h.webhooks.Handle(r.Context(), provider, body, r.Header)
	status := webhookStatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("webhook processing failed", zap.String("provider", string(provider)), zap.Error(err))
	}
	if status != http.StatusOK {
		respondError(w, status, errorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

// Orders

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	var viewer query.Viewer
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		viewer = query.Viewer{CustomerID: claims.CustomerID, Admin: claims.IsAdmin()}
	}

	view, err := h.query.GetOrder(r.Context(), chi.URLParam(r, "orderNumber"), viewer)
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "not_found", "order not found")
	case errors.Is(err, query.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden", "forbidden")
	case err != nil:
		h.logger.Error("order lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	default:
		respondJSON(w, http.StatusOK, view)
	}
}

// Health

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}
