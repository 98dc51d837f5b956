package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderCard   Provider = "card"
	ProviderWallet Provider = "wallet"
)

// ParseProvider maps a path segment or config value to a supported provider.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderCard:
		return ProviderCard, true
	case ProviderWallet:
		return ProviderWallet, true
	}
	return "", false
}

// InventoryState tracks which stock side effects have been applied to an order.
type InventoryState string

const (
	InventoryHeld      InventoryState = "held"
	InventoryReleased  InventoryState = "released"
	InventoryCommitted InventoryState = "committed"
	InventoryRestocked InventoryState = "restocked"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrEmptyOrder         = errors.New("order must have at least one item")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInvalidPrice       = errors.New("unit price must not be negative")
	ErrInvariantViolation = errors.New("order invariant violation")
)

type Item struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// NewItem snapshots a catalog product into an order line.
func NewItem(productID, name string, unitPrice decimal.Decimal, quantity int) (Item, error) {
	if quantity <= 0 {
		return Item{}, ErrInvalidQuantity
	}
	if unitPrice.IsNegative() {
		return Item{}, ErrInvalidPrice
	}
	return Item{
		ProductID:   productID,
		ProductName: name,
		UnitPrice:   unitPrice,
		Quantity:    quantity,
		LineTotal:   unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}, nil
}

type Order struct {
	ID                string          `json:"id"`
	Number            string          `json:"order_number"`
	CustomerID        string          `json:"customer_id,omitempty"`
	CustomerEmail     string          `json:"customer_email,omitempty"`
	Currency          string          `json:"currency"`
	Items             []Item          `json:"items"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Tax               decimal.Decimal `json:"tax"`
	Shipping          decimal.Decimal `json:"shipping"`
	Total             decimal.Decimal `json:"total"`
	Status            Status          `json:"status"`
	Provider          Provider        `json:"provider"`
	ProviderSessionID string          `json:"provider_session_id,omitempty"`
	InventoryState    InventoryState  `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Pricing holds the tax and shipping policy applied on top of the line items.
type Pricing struct {
	TaxRate  decimal.Decimal
	Shipping decimal.Decimal
}

func (p Pricing) tax(subtotal decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(p.TaxRate).Round(2)
}

// Draft is the input for New.
type Draft struct {
	CustomerID    string
	CustomerEmail string
	Currency      string
	Provider      Provider
	Items         []Item
}

// New builds a validated order in the created state and collapses it into
// pending_payment before it is ever persisted.
func New(d Draft, pricing Pricing, now time.Time) (*Order, error) {
	if len(d.Items) == 0 {
		return nil, ErrEmptyOrder
	}

	subtotal := decimal.Zero
	for _, item := range d.Items {
		subtotal = subtotal.Add(item.LineTotal)
	}
	tax := pricing.tax(subtotal)
	shipping := pricing.Shipping

	o := &Order{
		ID:             uuid.New().String(),
		Number:         NewNumber(now),
		CustomerID:     d.CustomerID,
		CustomerEmail:  d.CustomerEmail,
		Currency:       strings.ToUpper(d.Currency),
		Items:          d.Items,
		Subtotal:       subtotal,
		Tax:            tax,
		Shipping:       shipping,
		Total:          subtotal.Add(tax).Add(shipping),
		Status:         StatusCreated,
		Provider:       d.Provider,
		InventoryState: InventoryHeld,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	decision := Transition(o.Status, Event{Kind: EventCheckoutInitiated})
	o.Status = decision.Next

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// NewNumber returns a human-shareable order number such as ORD-20261016-3F9A2C1B.
func NewNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}

// Validate checks the totals invariants. It is called before every write.
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: %w", ErrInvariantViolation, ErrEmptyOrder)
	}

	sum := decimal.Zero
	for i, item := range o.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: %w", ErrInvariantViolation, i, ErrInvalidQuantity)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d: %w", ErrInvariantViolation, i, ErrInvalidPrice)
		}
		expected := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if !item.LineTotal.Equal(expected) {
			return fmt.Errorf("%w: item %d line total %s != %s", ErrInvariantViolation, i, item.LineTotal, expected)
		}
		sum = sum.Add(item.LineTotal)
	}

	if !o.Subtotal.Equal(sum) {
		return fmt.Errorf("%w: subtotal %s != sum of lines %s", ErrInvariantViolation, o.Subtotal, sum)
	}
	if want := sum.Add(o.Tax).Add(o.Shipping); !o.Total.Equal(want) {
		return fmt.Errorf("%w: total %s != %s", ErrInvariantViolation, o.Total, want)
	}
	return nil
}

// AmountMinor returns the total in minor currency units, as providers expect.
func (o *Order) AmountMinor() int64 {
	return o.Total.Shift(2).Round(0).IntPart()
}

func (o *Order) IsGuest() bool { return o.CustomerID == "" }
