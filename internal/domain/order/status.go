package order

type Status string

const (
	StatusCreated         Status = "created"
	StatusPendingPayment  Status = "pending_payment"
	StatusPaid            Status = "paid"
	StatusPaymentFailed   Status = "payment_failed"
	StatusExpired         Status = "expired"
	StatusFulfilling      Status = "fulfilling"
	StatusFulfilled       Status = "fulfilled"
	StatusRefundRequested Status = "refund_requested"
	StatusRefunded        Status = "refunded"
)

type EventKind string

const (
	EventCheckoutInitiated    EventKind = "checkout_initiated"
	EventPaymentApproved      EventKind = "payment_approved"
	EventPaymentCaptured      EventKind = "payment_captured"
	EventPaymentFailed        EventKind = "payment_failed"
	EventSessionExpired       EventKind = "session_expired"
	EventRefundRequested      EventKind = "refund_requested"
	EventRefundIssued         EventKind = "refund_issued"
	EventFulfillmentStarted   EventKind = "fulfillment_started"
	EventFulfillmentCompleted EventKind = "fulfillment_completed"
)

// Event is the state machine input. Partial is only meaningful for refunds.
type Event struct {
	Kind    EventKind
	Partial bool
}

type SideEffect string

const (
	EffectHoldInventory    SideEffect = "hold_inventory"
	EffectCommitInventory  SideEffect = "commit_inventory"
	EffectReleaseInventory SideEffect = "release_inventory"
	EffectRestockInventory SideEffect = "restock_inventory"
)

type rule struct {
	from   []Status
	to     Status
	effect SideEffect
}

// transitions is the full table; pairs missing from it are anomalies.
var transitions = map[EventKind]rule{
	EventCheckoutInitiated:    {from: []Status{StatusCreated}, to: StatusPendingPayment, effect: EffectHoldInventory},
	EventPaymentCaptured:      {from: []Status{StatusPendingPayment}, to: StatusPaid, effect: EffectCommitInventory},
	EventPaymentFailed:        {from: []Status{StatusPendingPayment}, to: StatusPaymentFailed, effect: EffectReleaseInventory},
	EventSessionExpired:       {from: []Status{StatusPendingPayment}, to: StatusExpired, effect: EffectReleaseInventory},
	EventRefundRequested:      {from: []Status{StatusPaid}, to: StatusRefundRequested},
	EventRefundIssued:         {from: []Status{StatusPaid, StatusFulfilling, StatusRefundRequested}, to: StatusRefunded, effect: EffectRestockInventory},
	EventFulfillmentStarted:   {from: []Status{StatusPaid}, to: StatusFulfilling},
	EventFulfillmentCompleted: {from: []Status{StatusFulfilling}, to: StatusFulfilled},
}

// Decision is the outcome of feeding one event to the state machine.
type Decision struct {
	From    Status
	Next    Status
	Effects []SideEffect
	// Anomaly is set when the (event, state) pair is not in the table. The
	// event is still recorded but changes nothing.
	Anomaly bool
}

func (d Decision) Changed() bool { return d.Next != d.From }

// Transition computes the next state and side effects. It performs no I/O.
func Transition(current Status, ev Event) Decision {
	d := Decision{From: current, Next: current}

	r, ok := transitions[ev.Kind]
	if !ok || (ev.Kind == EventRefundIssued && ev.Partial) {
		d.Anomaly = true
		return d
	}
	for _, s := range r.from {
		if s == current {
			d.Next = r.to
			if r.effect != "" {
				d.Effects = []SideEffect{r.effect}
			}
			return d
		}
	}
	d.Anomaly = true
	return d
}

// Replay folds recorded events, in applied order, from pending_payment.
func Replay(events []Event) Status {
	status := StatusPendingPayment
	for _, ev := range events {
		status = Transition(status, ev).Next
	}
	return status
}
