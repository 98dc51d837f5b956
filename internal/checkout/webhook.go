package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
	"github.com/example/ec-payments/internal/gateway"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/ledger"
	"github.com/example/ec-payments/internal/metrics"
)

// WebhookHandler runs verify, dedupe, transition and commit for one delivery.
type WebhookHandler struct {
	applier
	gateways *gateway.Registry
}

func NewWebhookHandler(orders store.OrderStore, l *ledger.Ledger, gateways *gateway.Registry, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		applier: applier{
			store:  orders,
			ledger: l,
			logger: logger.Named("webhook"),
			now:    time.Now,
		},
		gateways: gateways,
	}
}

// Handle returns a nil error for everything the provider should not retry:
// applied, anomalous, duplicate and unsupported events. An unknown order
// returns order.ErrOrderNotFound, which callers acknowledge as well.
func (h *WebhookHandler) Handle(ctx context.Context, provider order.Provider, rawBody []byte, header http.Header) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "HandleWebhook")
	defer func() {
		span.SetAttributes(attribute.String("webhook.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordWebhook(string(provider), string(outcome))
	}()
	span.SetAttributes(attribute.String("payment.provider", string(provider)))

	client, err := h.gateways.Get(provider)
	if err != nil {
		return OutcomeRejected, err
	}

	ev, err := client.VerifyWebhook(rawBody, header)
	switch {
	case errors.Is(err, payment.ErrUnsupportedEvent):
		h.logger.Info("unsupported event type acknowledged", zap.String("provider", string(provider)))
		return OutcomeUnsupported, nil
	case err != nil:
		h.logger.Warn("webhook rejected", zap.String("provider", string(provider)), zap.Error(err))
		return OutcomeRejected, err
	}
	span.SetAttributes(attribute.String("webhook.event_id", ev.EventID), attribute.String("webhook.type", ev.Type))

	applied, err := h.ledger.HasApplied(ctx, provider, ev.EventID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("ledger lookup: %w", err)
	}
	if applied {
		h.logger.Info("duplicate event ignored", zap.String("provider", string(provider)), zap.String("event_id", ev.EventID))
		return OutcomeDuplicate, nil
	}

	o, err := h.resolveOrder(ctx, provider, ev)
	if errors.Is(err, order.ErrOrderNotFound) {
		h.logger.Warn("webhook for unknown order acknowledged",
			zap.String("provider", string(provider)),
			zap.String("event_id", ev.EventID),
			zap.String("session_id", ev.SessionID),
			zap.String("order_number", ev.OrderNumber),
		)
		return OutcomeUnknownOrder, err
	}
	if err != nil {
		return OutcomeFailed, err
	}

	payload := ev.Payload
	switch p := payload.(type) {
	case payment.Approved:
		// approval only authorizes the payment; capture it now, outside any
		// transaction, and apply whatever the provider reports
		if o.Status == order.StatusPendingPayment {
			payload, err = h.captureApproved(ctx, client, o, ev)
			if err != nil {
				return OutcomeFailed, err
			}
		}
	case payment.Refunded:
		if !p.Full && !p.Amount.IsZero() && p.Amount.GreaterThanOrEqual(o.Total) {
			p.Full = true
			payload = p
		}
	}

	return h.apply(ctx, o, incoming{
		provider: provider,
		eventID:  ev.EventID,
		checksum: ev.Checksum,
		event:    payment.EventFor(payload),
	})
}

func (h *WebhookHandler) resolveOrder(ctx context.Context, provider order.Provider, ev *payment.VerifiedEvent) (*order.Order, error) {
	if ev.SessionID != "" {
		o, err := h.store.GetOrderBySession(ctx, provider, ev.SessionID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, order.ErrOrderNotFound) {
			return nil, err
		}
	}
	if ev.OrderNumber != "" {
		o, err := h.store.GetOrderByNumber(ctx, ev.OrderNumber)
		if err != nil {
			return nil, err
		}
		if o.Provider != provider {
			return nil, order.ErrOrderNotFound
		}
		return o, nil
	}
	return nil, order.ErrOrderNotFound
}

// ErrCaptureIncomplete is returned when an approved payment is still not
// captured after the capture call. The provider redelivers the approval.
var ErrCaptureIncomplete = errors.New("approved payment not yet captured")

func (h *WebhookHandler) captureApproved(ctx context.Context, client gateway.Client, o *order.Order, ev *payment.VerifiedEvent) (payment.Payload, error) {
	sessionID := ev.SessionID
	if sessionID == "" {
		sessionID = o.ProviderSessionID
	}
	state, err := client.CaptureOrRetrieve(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("capture approved payment: %w", err)
	}
	p, ok := state.Payload()
	if !ok {
		return nil, fmt.Errorf("%w: session %s is %s", ErrCaptureIncomplete, sessionID, state.State)
	}
	return p, nil
}
