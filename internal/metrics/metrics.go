// Package metrics holds the Prometheus collectors shared by the API, the
// reconciler and the outbox relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	checkoutRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_requests_total",
			Help: "Checkout attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook deliveries by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	reconcileResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_resolved_total",
			Help: "Stale pending orders resolved by the reconciler, by event kind",
		},
		[]string{"kind"},
	)

	requestIdentityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_identity_total",
			Help: "Storefront requests by caller identity (guest, customer, admin, expired, invalid)",
		},
		[]string{"identity"},
	)

	CapturesOnClosedOrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captures_on_closed_orders_total",
			Help: "Captured payments for orders that were no longer awaiting payment; each needs a refund or manual review",
		},
		[]string{"provider", "status"},
	)

	outboxPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox messages relayed to Kafka",
		},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(checkoutRequestsTotal)
	prometheus.MustRegister(webhookEventsTotal)
	prometheus.MustRegister(reconcileResolvedTotal)
	prometheus.MustRegister(requestIdentityTotal)
	prometheus.MustRegister(CapturesOnClosedOrdersTotal)
	prometheus.MustRegister(outboxPublishedTotal)
}

func RecordCheckout(provider, outcome string) {
	checkoutRequestsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordWebhook(provider, outcome string) {
	webhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordReconciled(kind string) {
	reconcileResolvedTotal.WithLabelValues(kind).Inc()
}

func RecordOutboxPublished(n int) {
	outboxPublishedTotal.Add(float64(n))
}

func RecordIdentity(identity string) {
	requestIdentityTotal.WithLabelValues(identity).Inc()
}

func RecordCaptureOnClosedOrder(provider, status string) {
	CapturesOnClosedOrdersTotal.WithLabelValues(provider, status).Inc()
}
