package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/api/middleware"
	"github.com/example/ec-payments/internal/auth"
)

func NewRouter(handlers *Handlers, jwtService *auth.JWTService, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Tracing)
	r.Use(middleware.Logger(logger.Named("http")))
	r.Use(middleware.Metrics)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", handlers.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	// Webhooks are authenticated by provider signatures, not customer tokens.
	r.Post("/webhooks/{provider}", handlers.ReceiveWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identify(jwtService, logger.Named("auth")))
		r.Post("/checkout", handlers.CreateCheckout)
		r.Get("/orders/{orderNumber}", handlers.GetOrder)
	})

	return r
}
