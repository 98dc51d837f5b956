// Package gateway defines the contract shared by the card and wallet payment
// provider adapters, the error taxonomy they map provider failures onto, and
// the transport both use for outbound calls.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
)

var (
	// ErrProviderUnavailable is transient: network errors, timeouts, 429, 5xx.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrProviderRejected is permanent for this attempt and must not be retried.
	ErrProviderRejected = errors.New("payment provider rejected request")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent is an authentic webhook whose body cannot be decoded.
	ErrMalformedEvent  = errors.New("malformed webhook event")
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// ProviderError carries provider detail while matching one of the sentinels above.
type ProviderError struct {
	Provider   order.Provider
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Err)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Session is the provider-side payment session created at checkout.
type Session struct {
	ID          string
	RedirectURL string
}

// Client is implemented by each provider adapter. Adapters perform network
// calls only and never persist anything.
type Client interface {
	Name() order.Provider
	CreatePaymentSession(ctx context.Context, o *order.Order, returnURL, cancelURL string) (*Session, error)
	// VerifyWebhook authenticates the raw body before decoding it. Nothing
	// from an unverified body is returned.
	VerifyWebhook(rawBody []byte, header http.Header) (*payment.VerifiedEvent, error)
	CaptureOrRetrieve(ctx context.Context, providerSessionID string) (*payment.ProviderPaymentState, error)
	// ExpireSession closes a session that is still open so that it can no
	// longer be paid, and returns the provider's final state. A session paid
	// in the meantime is reported as captured.
	ExpireSession(ctx context.Context, providerSessionID string) (*payment.ProviderPaymentState, error)
}

// Registry holds the adapters constructed at startup.
type Registry struct {
	clients map[order.Provider]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[order.Provider]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

func (r *Registry) Get(p order.Provider) (Client, error) {
	c, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return c, nil
}

func (r *Registry) Providers() []order.Provider {
	out := make([]order.Provider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
