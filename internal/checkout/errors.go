package checkout

import (
	"errors"
	"strings"
)

var (
	ErrCartInvalid = errors.New("cart is invalid")
	// ErrContention is returned when an order kept changing underneath an
	// event for every retry. The provider will redeliver.
	ErrContention = errors.New("order changed on every attempt")
)

// CartError lists every problem found in a cart. No order is created.
type CartError struct {
	Problems []string
}

func (e *CartError) Error() string {
	return ErrCartInvalid.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *CartError) Is(target error) bool { return target == ErrCartInvalid }

// SessionError is returned when the order was created but the provider could
// not open a payment session. The order stays pending_payment.
type SessionError struct {
	OrderNumber string
	Err         error
}

func (e *SessionError) Error() string {
	return "payment session for " + e.OrderNumber + ": " + e.Err.Error()
}

func (e *SessionError) Unwrap() error { return e.Err }
