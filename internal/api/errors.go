package api

import (
	"errors"
	"net/http"

	"github.com/example/ec-payments/internal/checkout"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/gateway"
)

// statusFor maps checkout errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, checkout.ErrCartInvalid):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrProviderRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, gateway.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// webhookStatusFor decides whether the provider should redeliver. Anything
// retrying cannot fix is acknowledged with 200.
func webhookStatusFor(err error) int {
	switch {
	case err == nil, errors.Is(err, order.ErrOrderNotFound):
		return http.StatusOK
	case errors.Is(err, gateway.ErrInvalidSignature),
		errors.Is(err, gateway.ErrMalformedEvent),
		errors.Is(err, gateway.ErrUnknownProvider):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, checkout.ErrCartInvalid):
		return "cart_invalid"
	case errors.Is(err, gateway.ErrProviderRejected):
		return "provider_rejected"
	case errors.Is(err, gateway.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, gateway.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, gateway.ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, gateway.ErrUnknownProvider):
		return "unknown_provider"
	default:
		return "internal"
	}
}
