package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
	"github.com/example/ec-payments/internal/infrastructure/store"
)

// MockOrderStore is an in-memory implementation of store.OrderStore,
// store.Outbox and store.CatalogReader for testing. A single mutex stands in
// for the row lock.
type MockOrderStore struct {
	mu       sync.Mutex
	orders   map[string]*order.Order
	events   []payment.Record
	outbox   []store.OutboxMessage
	products map[string]store.Product
	checked  map[string]time.Time
	nextID   int64

	// For tracking calls in tests
	ApplyCalls []store.ApplyRequest

	// Optional error injection
	CreateErr error
	ApplyErr  error
	// BeforeApply runs under the lock before the status check.
	BeforeApply func(o *order.Order)
}

var (
	_ store.OrderStore    = (*MockOrderStore)(nil)
	_ store.Outbox        = (*MockOrderStore)(nil)
	_ store.CatalogReader = (*MockOrderStore)(nil)
)

// NewMockOrderStore creates a new MockOrderStore
func NewMockOrderStore() *MockOrderStore {
	return &MockOrderStore{
		orders:   make(map[string]*order.Order),
		products: make(map[string]store.Product),
		checked:  make(map[string]time.Time),
	}
}

// AddProduct seeds the catalog
func (m *MockOrderStore) AddProduct(p store.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// Product returns the current catalog row, including stock and holds
func (m *MockOrderStore) Product(id string) store.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id]
}

func (m *MockOrderStore) GetProducts(_ context.Context, ids []string) (map[string]store.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]store.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *MockOrderStore) CreateOrder(_ context.Context, o *order.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return m.CreateErr
	}
	for _, existing := range m.orders {
		if existing.Number == o.Number {
			return store.ErrDuplicateOrder
		}
	}

	wanted := make(map[string]int)
	for _, item := range o.Items {
		wanted[item.ProductID] += item.Quantity
	}
	for id, q := range wanted {
		p, ok := m.products[id]
		if !ok || !p.Active || p.Available() < q {
			return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, id)
		}
	}
	for id, q := range wanted {
		p := m.products[id]
		p.Reserved += q
		m.products[id] = p
	}

	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MockOrderStore) AttachSession(_ context.Context, orderID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return order.ErrOrderNotFound
	}
	o.ProviderSessionID = sessionID
	return nil
}

func (m *MockOrderStore) GetOrderByNumber(_ context.Context, number string) (*order.Order, error) {
	return m.find(func(o *order.Order) bool { return o.Number == number })
}

func (m *MockOrderStore) GetOrderByID(_ context.Context, id string) (*order.Order, error) {
	return m.find(func(o *order.Order) bool { return o.ID == id })
}

func (m *MockOrderStore) GetOrderBySession(_ context.Context, provider order.Provider, sessionID string) (*order.Order, error) {
	return m.find(func(o *order.Order) bool { return o.Provider == provider && o.ProviderSessionID == sessionID })
}

func (m *MockOrderStore) find(match func(*order.Order) bool) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if match(o) {
			return cloneOrder(o), nil
		}
	}
	return nil, order.ErrOrderNotFound
}

// SetCreatedAt backdates an order for reconciler tests
func (m *MockOrderStore) SetCreatedAt(orderID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.CreatedAt = at
	}
}

func (m *MockOrderStore) ApplyPaymentEvent(_ context.Context, req store.ApplyRequest) (*store.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ApplyCalls = append(m.ApplyCalls, req)
	if m.ApplyErr != nil {
		return nil, m.ApplyErr
	}

	o, ok := m.orders[req.OrderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if m.BeforeApply != nil {
		m.BeforeApply(o)
	}
	if o.Status != req.ExpectedStatus {
		return nil, fmt.Errorf("%w: expected %s, found %s", store.ErrStatusChanged, req.ExpectedStatus, o.Status)
	}
	for _, r := range m.events {
		if r.Provider == req.Provider && r.EventID == req.EventID {
			return nil, store.ErrAlreadyApplied
		}
	}

	m.nextID++
	rec := payment.Record{
		ID:              m.nextID,
		OrderID:         req.OrderID,
		Provider:        req.Provider,
		EventID:         req.EventID,
		Kind:            req.Event.Kind,
		Partial:         req.Event.Partial,
		Checksum:        req.Checksum,
		PreviousStatus:  req.Decision.From,
		ResultingStatus: req.Decision.Next,
		Anomaly:         req.Decision.Anomaly,
		AppliedAt:       req.AppliedAt,
	}
	m.events = append(m.events, rec)

	if req.Decision.Changed() {
		o.Status = req.Decision.Next
		o.UpdatedAt = req.AppliedAt
	}
	for _, effect := range req.Decision.Effects {
		m.applyEffect(o, effect)
	}
	if req.Decision.Changed() && req.Notification != nil {
		payload, err := json.Marshal(req.Notification)
		if err != nil {
			return nil, err
		}
		m.outbox = append(m.outbox, store.OutboxMessage{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			EventType: order.EventStatusChanged,
			Payload:   payload,
			CreatedAt: req.AppliedAt,
		})
	}

	return &store.ApplyResult{Record: rec, InventoryState: o.InventoryState}, nil
}

func (m *MockOrderStore) applyEffect(o *order.Order, effect order.SideEffect) {
	type move struct {
		from, to order.InventoryState
		stock    int
		reserved int
	}
	moves := map[order.SideEffect]move{
		order.EffectCommitInventory:  {order.InventoryHeld, order.InventoryCommitted, -1, -1},
		order.EffectReleaseInventory: {order.InventoryHeld, order.InventoryReleased, 0, -1},
		order.EffectRestockInventory: {order.InventoryCommitted, order.InventoryRestocked, 1, 0},
	}
	mv, ok := moves[effect]
	if !ok || o.InventoryState != mv.from {
		return
	}
	for _, item := range o.Items {
		p := m.products[item.ProductID]
		p.Stock += mv.stock * item.Quantity
		p.Reserved += mv.reserved * item.Quantity
		m.products[item.ProductID] = p
	}
	o.InventoryState = mv.to
}

func (m *MockOrderStore) HasPaymentEvent(_ context.Context, provider order.Provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.events {
		if r.Provider == provider && r.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockOrderStore) ListPaymentEvents(_ context.Context, orderID string) ([]payment.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []payment.Record
	for _, r := range m.events {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockOrderStore) ListStalePending(_ context.Context, olderThan, checkedBefore time.Time, limit int) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*order.Order
	for _, o := range m.orders {
		if o.Status != order.StatusPendingPayment || !o.CreatedAt.Before(olderThan) {
			continue
		}
		if at, ok := m.checked[o.ID]; ok && at.After(checkedBefore) {
			continue
		}
		c := cloneOrder(o)
		c.Items = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, iok := m.checked[out[i].ID]
		aj, jok := m.checked[out[j].ID]
		switch {
		case iok != jok:
			return !iok
		case iok && !ai.Equal(aj):
			return ai.Before(aj)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockOrderStore) MarkReconcileAttempt(_ context.Context, orderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[orderID]; !ok {
		return order.ErrOrderNotFound
	}
	m.checked[orderID] = at
	return nil
}

// ReconcileCheckedAt reports when the reconciler last left an order pending.
func (m *MockOrderStore) ReconcileCheckedAt(orderID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.checked[orderID]
	return at, ok
}

func (m *MockOrderStore) FetchUnpublished(_ context.Context, limit int) ([]store.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.OutboxMessage
	for _, msg := range m.outbox {
		if msg.PublishedAt == nil {
			out = append(out, msg)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockOrderStore) MarkPublished(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		for i := range m.outbox {
			if m.outbox[i].ID == id {
				m.outbox[i].PublishedAt = &now
			}
		}
	}
	return nil
}

// EventCount returns the number of ledger rows across all orders
func (m *MockOrderStore) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Items = append([]order.Item(nil), o.Items...)
	return &c
}
