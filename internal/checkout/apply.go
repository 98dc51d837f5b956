package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/ledger"
	"github.com/example/ec-payments/internal/metrics"
)

// Outcome says what happened to one provider event.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeAnomaly      Outcome = "anomaly"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnsupported  Outcome = "unsupported"
	OutcomeUnknownOrder Outcome = "unknown_order"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "failed"
)

const applyAttempts = 3

// applier is the single write path shared by webhooks and the reconciler:
// decide, then commit with an expected-status check, re-deciding when another
// event got there first.
type applier struct {
	store  store.OrderStore
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time
}

type incoming struct {
	provider order.Provider
	eventID  string
	checksum string
	event    order.Event
}

func (a *applier) apply(ctx context.Context, o *order.Order, in incoming) (Outcome, error) {
	log := a.logger.With(
		zap.String("order_number", o.Number),
		zap.String("provider", string(in.provider)),
		zap.String("event_id", in.eventID),
		zap.String("kind", string(in.event.Kind)),
	)

	for attempt := 1; attempt <= applyAttempts; attempt++ {
		decision := order.Transition(o.Status, in.event)
		at := a.now().UTC()

		req := store.ApplyRequest{
			OrderID:        o.ID,
			ExpectedStatus: o.Status,
			Decision:       decision,
			Event:          in.event,
			Provider:       in.provider,
			EventID:        in.eventID,
			Checksum:       in.checksum,
			AppliedAt:      at,
		}
		if decision.Changed() {
			n := order.NewStatusChanged(o, decision, in.event.Kind, at)
			req.Notification = &n
		}

		res, err := a.store.ApplyPaymentEvent(ctx, req)
		switch {
		case err == nil:
			a.ledger.Remember(ctx, in.provider, in.eventID)
			if res.Record.Anomaly {
				prev := res.Record.PreviousStatus
				if capturedAfterClose(in.event, prev) {
					log.Error("payment captured on closed order; needs refund", zap.String("status", string(prev)))
					metrics.RecordCaptureOnClosedOrder(string(in.provider), string(prev))
					return OutcomeAnomaly, nil
				}
				log.Warn("event does not apply in current state; recorded as anomaly", zap.String("status", string(prev)))
				return OutcomeAnomaly, nil
			}
			log.Info("order status changed",
				zap.String("from", string(decision.From)),
				zap.String("to", string(decision.Next)),
				zap.String("inventory", string(res.InventoryState)),
			)
			return OutcomeApplied, nil

		case errors.Is(err, store.ErrAlreadyApplied):
			a.ledger.Remember(ctx, in.provider, in.eventID)
			log.Info("duplicate event ignored")
			return OutcomeDuplicate, nil

		case errors.Is(err, store.ErrStatusChanged):
			log.Debug("order changed concurrently; re-deciding", zap.Int("attempt", attempt))
			fresh, gerr := a.store.GetOrderByID(ctx, o.ID)
			if gerr != nil {
				return OutcomeFailed, fmt.Errorf("reload order: %w", gerr)
			}
			o = fresh

		case errors.Is(err, order.ErrOrderNotFound):
			return OutcomeUnknownOrder, err

		default:
			log.Error("failed to apply payment event", zap.Error(err))
			return OutcomeFailed, err
		}
	}
	return OutcomeFailed, fmt.Errorf("%w: %s", ErrContention, o.Number)
}

// capturedAfterClose reports money taken for an order that was already given
// up on. Duplicate captures of a paid order are not.
func capturedAfterClose(ev order.Event, prev order.Status) bool {
	if ev.Kind != order.EventPaymentCaptured {
		return false
	}
	return prev == order.StatusExpired || prev == order.StatusPaymentFailed
}
