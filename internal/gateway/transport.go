package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/ec-payments/internal/domain/order"
)

const maxResponseBytes = 1 << 20

// Transport performs provider HTTP calls behind a circuit breaker and maps
// every failure to ErrProviderUnavailable or ErrProviderRejected.
type Transport struct {
	Provider order.Provider
	HTTP     *http.Client
	Breaker  *CircuitBreaker
}

func NewTransport(provider order.Provider, timeout time.Duration) *Transport {
	return &Transport{
		Provider: provider,
		HTTP:     &http.Client{Timeout: timeout},
		Breaker:  NewCircuitBreaker(5, 30*time.Second),
	}
}

// Do sends req and returns the response body of a 2xx response.
func (t *Transport) Do(req *http.Request) ([]byte, error) {
	ctx, span := otel.Tracer("gateway").Start(req.Context(), string(t.Provider)+" "+req.Method+" "+req.URL.Path)
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", string(t.Provider)))
	req = req.WithContext(ctx)

	var body []byte
	err := t.Breaker.Execute(func() error {
		resp, err := t.HTTP.Do(req)
		if err != nil {
			return &ProviderError{Provider: t.Provider, Message: err.Error(), Err: ErrProviderUnavailable}
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &ProviderError{Provider: t.Provider, StatusCode: resp.StatusCode, Message: err.Error(), Err: ErrProviderUnavailable}
		}
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return ClassifyStatus(t.Provider, resp.StatusCode, body)
	})
	if errors.Is(err, ErrCircuitOpen) {
		err = &ProviderError{Provider: t.Provider, Message: err.Error(), Err: ErrProviderUnavailable}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return body, nil
}

// ClassifyStatus returns nil for 2xx and a *ProviderError otherwise.
func ClassifyStatus(provider order.Provider, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	code, msg := extractError(body)
	pe := &ProviderError{Provider: provider, StatusCode: status, Code: code, Message: msg}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		pe.Err = ErrProviderUnavailable
	default:
		pe.Err = ErrProviderRejected
	}
	return pe
}

// extractError understands both provider error shapes:
// {"error":{"code","message"}} and {"name","message"}.
func extractError(body []byte) (string, string) {
	var shape struct {
		Error *struct {
			Code    string `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		if len(body) > 200 {
			body = body[:200]
		}
		return "", string(body)
	}
	if shape.Error != nil {
		code := shape.Error.Code
		if code == "" {
			code = shape.Error.Type
		}
		return code, shape.Error.Message
	}
	return shape.Name, shape.Message
}

// ErrorMessage returns the customer-presentable part of a provider error.
func ErrorMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return fmt.Sprint(err)
}
