// Package payment holds the closed set of provider notifications that survive
// webhook verification, and the ledger record written when one is applied.
package payment

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/example/ec-payments/internal/domain/order"
)

// ErrUnsupportedEvent marks an authentic notification whose type the service
// does not act on. Callers acknowledge it without processing.
var ErrUnsupportedEvent = errors.New("unsupported provider event type")

// Payload is implemented only by the variants in this package.
type Payload interface {
	Kind() order.EventKind
	sealed()
}

// Approved means the buyer approved a wallet payment that still has to be captured.
type Approved struct{}

type Captured struct {
	ChargeID string
	Amount   decimal.Decimal
}

type Failed struct {
	Reason string
}

type Expired struct{}

type Refunded struct {
	RefundID string
	Amount   decimal.Decimal
	Full     bool
}

func (Approved) Kind() order.EventKind { return order.EventPaymentApproved }
func (Captured) Kind() order.EventKind { return order.EventPaymentCaptured }
func (Failed) Kind() order.EventKind   { return order.EventPaymentFailed }
func (Expired) Kind() order.EventKind  { return order.EventSessionExpired }
func (Refunded) Kind() order.EventKind { return order.EventRefundIssued }

func (Approved) sealed() {}
func (Captured) sealed() {}
func (Failed) sealed()   {}
func (Expired) sealed()  {}
func (Refunded) sealed() {}

// VerifiedEvent is a webhook whose signature has been checked and whose body
// has been decoded into one of the Payload variants.
type VerifiedEvent struct {
	Provider    order.Provider
	EventID     string
	Type        string
	SessionID   string
	OrderNumber string
	Payload     Payload
	Checksum    string
	OccurredAt  time.Time
}

func (e *VerifiedEvent) Kind() order.EventKind { return e.Payload.Kind() }

// EventFor converts a payload into state machine input.
func EventFor(p Payload) order.Event {
	ev := order.Event{Kind: p.Kind()}
	if r, ok := p.(Refunded); ok {
		ev.Partial = !r.Full
	}
	return ev
}

// Checksum returns the hex BLAKE2b-256 digest stored alongside each ledger row.
func Checksum(raw []byte) string {
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// State is the provider's own view of a payment session.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateCaptured State = "captured"
	StateFailed   State = "failed"
	StateExpired  State = "expired"
	StateRefunded State = "refunded"
)

// ProviderPaymentState is returned by CaptureOrRetrieve.
type ProviderPaymentState struct {
	SessionID string
	State     State
	ChargeID  string
	Amount    decimal.Decimal
	Reason    string
}

// Payload maps a resolved provider state to an event payload. Pending and
// approved states resolve to nothing yet.
func (s *ProviderPaymentState) Payload() (Payload, bool) {
	switch s.State {
	case StateCaptured:
		return Captured{ChargeID: s.ChargeID, Amount: s.Amount}, true
	case StateFailed:
		return Failed{Reason: s.Reason}, true
	case StateExpired:
		return Expired{}, true
	case StateRefunded:
		return Refunded{Amount: s.Amount, Full: true}, true
	}
	return nil, false
}

// Record is one row of the append-only payment_events ledger.
type Record struct {
	ID              int64
	OrderID         string
	Provider        order.Provider
	EventID         string
	Kind            order.EventKind
	Partial         bool
	Checksum        string
	PreviousStatus  order.Status
	ResultingStatus order.Status
	Anomaly         bool
	AppliedAt       time.Time
}

// ReplayRecords rebuilds an order's status from its ledger rows.
func ReplayRecords(records []Record) order.Status {
	events := make([]order.Event, 0, len(records))
	for _, r := range records {
		events = append(events, order.Event{Kind: r.Kind, Partial: r.Partial})
	}
	return order.Replay(events)
}
