package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
)

var (
	// ErrStatusChanged means the order moved since the caller read it. The
	// caller should reload, re-decide and retry.
	ErrStatusChanged = errors.New("order status changed concurrently")
	// ErrAlreadyApplied means the (provider, event id) pair is already in the
	// ledger. Nothing was written.
	ErrAlreadyApplied = errors.New("payment event already applied")
	// ErrInsufficientStock is returned by CreateOrder when a hold cannot be placed.
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateOrder    = errors.New("order number already exists")
)

// ApplyRequest carries everything ApplyPaymentEvent writes in its transaction.
type ApplyRequest struct {
	OrderID        string
	ExpectedStatus order.Status
	Decision       order.Decision
	Event          order.Event
	Provider       order.Provider
	EventID        string
	Checksum       string
	AppliedAt      time.Time
	// Notification is written to the outbox when the decision changes status.
	Notification *order.StatusChanged
}

type ApplyResult struct {
	Record         payment.Record
	InventoryState order.InventoryState
}

// OrderStore persists orders and applies payment events atomically.
type OrderStore interface {
	// CreateOrder inserts the order and its items and places inventory holds
	// in a single transaction.
	CreateOrder(ctx context.Context, o *order.Order) error
	AttachSession(ctx context.Context, orderID, sessionID string) error
	GetOrderByNumber(ctx context.Context, number string) (*order.Order, error)
	GetOrderByID(ctx context.Context, id string) (*order.Order, error)
	GetOrderBySession(ctx context.Context, provider order.Provider, sessionID string) (*order.Order, error)
	ApplyPaymentEvent(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
	HasPaymentEvent(ctx context.Context, provider order.Provider, eventID string) (bool, error)
	ListPaymentEvents(ctx context.Context, orderID string) ([]payment.Record, error)
	// ListStalePending returns pending_payment orders created before olderThan
	// and not looked at since checkedBefore, without items. Orders never
	// looked at come first, then the least recently checked.
	ListStalePending(ctx context.Context, olderThan, checkedBefore time.Time, limit int) ([]*order.Order, error)
	// MarkReconcileAttempt records that the reconciler looked at an order and
	// left it pending.
	MarkReconcileAttempt(ctx context.Context, orderID string, at time.Time) error
}

// OutboxMessage is a status change waiting to be relayed to Kafka.
type OutboxMessage struct {
	ID          string
	OrderID     string
	EventType   string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

type Outbox interface {
	FetchUnpublished(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, ids []string) error
}

// Product is the catalog view checkout needs: current price and availability.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Active   bool
	Stock    int
	Reserved int
}

func (p Product) Available() int { return p.Stock - p.Reserved }

// CatalogReader is owned by the catalog; this service only reads it.
type CatalogReader interface {
	GetProducts(ctx context.Context, ids []string) (map[string]Product, error)
}
