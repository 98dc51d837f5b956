package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/domain/payment"
)

// PostgresOrderStore stores orders, the payment ledger and the outbox in PostgreSQL
type PostgresOrderStore struct {
	db *sql.DB
}

var (
	_ OrderStore    = (*PostgresOrderStore)(nil)
	_ Outbox        = (*PostgresOrderStore)(nil)
	_ CatalogReader = (*PostgresOrderStore)(nil)
)

func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

const orderColumns = `id, order_number, customer_id, customer_email, currency, subtotal, tax, shipping, total,
	status, provider, provider_session_id, inventory_state, created_at, updated_at`

// CreateOrder inserts the order, its items and the inventory holds
func (s *PostgresOrderStore) CreateOrder(ctx context.Context, o *order.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.Number, nullString(o.CustomerID), nullString(o.CustomerEmail), o.Currency,
		o.Subtotal, o.Tax, o.Shipping, o.Total,
		o.Status, o.Provider, nullString(o.ProviderSessionID), o.InventoryState, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.Number)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, item := range o.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, line_no, product_id, product_name, unit_price, quantity, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, i+1, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.LineTotal,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	for _, h := range quantitiesByProduct(o.Items) {
		res, err := tx.ExecContext(ctx,
			`UPDATE products SET reserved = reserved + $2, updated_at = NOW()
			 WHERE id = $1 AND active AND stock - reserved >= $2`,
			h.productID, h.quantity,
		)
		if err != nil {
			return fmt.Errorf("hold inventory: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: product %s", ErrInsufficientStock, h.productID)
		}
	}

	return tx.Commit()
}

func (s *PostgresOrderStore) AttachSession(ctx context.Context, orderID, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET provider_session_id = $2, updated_at = NOW() WHERE id = $1`,
		orderID, sessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return order.ErrOrderNotFound
	}
	return nil
}

func (s *PostgresOrderStore) GetOrderByNumber(ctx context.Context, number string) (*order.Order, error) {
	return s.getOrder(ctx, "order_number = $1", number)
}

func (s *PostgresOrderStore) GetOrderByID(ctx context.Context, id string) (*order.Order, error) {
	return s.getOrder(ctx, "id = $1", id)
}

func (s *PostgresOrderStore) GetOrderBySession(ctx context.Context, provider order.Provider, sessionID string) (*order.Order, error) {
	return s.getOrder(ctx, "provider = $1 AND provider_session_id = $2", provider, sessionID)
}

func (s *PostgresOrderStore) getOrder(ctx context.Context, where string, args ...any) (*order.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, args...)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, product_name, unit_price, quantity, line_total
		 FROM order_items WHERE order_id = $1 ORDER BY line_no`,
		o.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item order.Item
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*order.Order, error) {
	var o order.Order
	var customerID, customerEmail, sessionID sql.NullString
	err := row.Scan(
		&o.ID, &o.Number, &customerID, &customerEmail, &o.Currency,
		&o.Subtotal, &o.Tax, &o.Shipping, &o.Total,
		&o.Status, &o.Provider, &sessionID, &o.InventoryState, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.CustomerID = customerID.String
	o.CustomerEmail = customerEmail.String
	o.ProviderSessionID = sessionID.String
	return &o, nil
}

// ApplyPaymentEvent locks the order, records the ledger row, moves the status,
// runs the inventory side effects and queues the outbox message, all in one
// transaction.
func (s *PostgresOrderStore) ApplyPaymentEvent(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current order.Status
	var inventory order.InventoryState
	err = tx.QueryRowContext(ctx,
		`SELECT status, inventory_state FROM orders WHERE id = $1 FOR UPDATE`,
		req.OrderID,
	).Scan(&current, &inventory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}
	if current != req.ExpectedStatus {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStatusChanged, req.ExpectedStatus, current)
	}

	rec := payment.Record{
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
	err = tx.QueryRowContext(ctx,
		`INSERT INTO payment_events
		 (order_id, provider, provider_event_id, kind, partial, payload_checksum, previous_status, resulting_status, anomaly, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING
		 RETURNING id`,
		rec.OrderID, rec.Provider, rec.EventID, rec.Kind, rec.Partial, rec.Checksum,
		rec.PreviousStatus, rec.ResultingStatus, rec.Anomaly, rec.AppliedAt,
	).Scan(&rec.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlreadyApplied
	}
	if err != nil {
		return nil, fmt.Errorf("insert payment event: %w", err)
	}

	if req.Decision.Changed() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
			req.OrderID, req.Decision.Next, req.AppliedAt,
		); err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
	}

	for _, effect := range req.Decision.Effects {
		inventory, err = applyInventoryEffect(ctx, tx, req.OrderID, inventory, effect)
		if err != nil {
			return nil, err
		}
	}

	if req.Decision.Changed() && req.Notification != nil {
		payload, err := json.Marshal(req.Notification)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (id, order_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
			uuid.New().String(), req.OrderID, order.EventStatusChanged, payload, req.AppliedAt,
		); err != nil {
			return nil, fmt.Errorf("insert outbox: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ApplyResult{Record: rec, InventoryState: inventory}, nil
}

// inventoryMoves lists, per side effect, the inventory state it requires, the
// state it leaves behind and the stock update it performs. A side effect whose
// required state does not match is skipped, which is what keeps a replayed
// capture from decrementing stock twice.
var inventoryMoves = map[order.SideEffect]struct {
	from, to order.InventoryState
	update   string
}{
	order.EffectCommitInventory:  {order.InventoryHeld, order.InventoryCommitted, `stock = p.stock - q.qty, reserved = p.reserved - q.qty`},
	order.EffectReleaseInventory: {order.InventoryHeld, order.InventoryReleased, `reserved = p.reserved - q.qty`},
	order.EffectRestockInventory: {order.InventoryCommitted, order.InventoryRestocked, `stock = p.stock + q.qty`},
}

func applyInventoryEffect(ctx context.Context, tx *sql.Tx, orderID string, state order.InventoryState, effect order.SideEffect) (order.InventoryState, error) {
	move, ok := inventoryMoves[effect]
	if !ok || state != move.from {
		return state, nil
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE products p SET `+move.update+`, updated_at = NOW()
		 FROM (SELECT product_id, SUM(quantity) AS qty FROM order_items WHERE order_id = $1 GROUP BY product_id) q
		 WHERE p.id = q.product_id`,
		orderID,
	)
	if err != nil {
		return state, fmt.Errorf("%s: %w", effect, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET inventory_state = $2 WHERE id = $1`,
		orderID, move.to,
	); err != nil {
		return state, fmt.Errorf("%s: %w", effect, err)
	}
	return move.to, nil
}

func (s *PostgresOrderStore) HasPaymentEvent(ctx context.Context, provider order.Provider, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_events WHERE provider = $1 AND provider_event_id = $2)`,
		provider, eventID,
	).Scan(&exists)
	return exists, err
}

// ListPaymentEvents returns the ledger for an order in the order the rows were
// written. ids come from a sequence drawn while the order row is locked, so
// they follow apply order even when writers' clocks disagree.
func (s *PostgresOrderStore) ListPaymentEvents(ctx context.Context, orderID string) ([]payment.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, provider, provider_event_id, kind, partial, payload_checksum,
		        previous_status, resulting_status, anomaly, applied_at
		 FROM payment_events
		 WHERE order_id = $1
		 ORDER BY id ASC`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []payment.Record
	for rows.Next() {
		var r payment.Record
		if err := rows.Scan(&r.ID, &r.OrderID, &r.Provider, &r.EventID, &r.Kind, &r.Partial, &r.Checksum,
			&r.PreviousStatus, &r.ResultingStatus, &r.Anomaly, &r.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresOrderStore) ListStalePending(ctx context.Context, olderThan, checkedBefore time.Time, limit int) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND created_at < $2
		   AND (reconcile_checked_at IS NULL OR reconcile_checked_at <= $3)
		 ORDER BY reconcile_checked_at ASC NULLS FIRST, created_at ASC
		 LIMIT $4`,
		order.StatusPendingPayment, olderThan, checkedBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresOrderStore) MarkReconcileAttempt(ctx context.Context, orderID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET reconcile_checked_at = $2 WHERE id = $1`,
		orderID, at,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return order.ErrOrderNotFound
	}
	return nil
}

// FetchUnpublished returns outbox messages in the order they were written
func (s *PostgresOrderStore) FetchUnpublished(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, event_type, payload, created_at
		 FROM outbox
		 WHERE published_at IS NULL
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.OrderID, &m.EventType, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresOrderStore) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = NOW() WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	return err
}

// GetProducts reads current catalog prices and availability
func (s *PostgresOrderStore) GetProducts(ctx context.Context, ids []string) (map[string]Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, price, active, stock, reserved FROM products WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[string]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.Stock, &p.Reserved); err != nil {
			return nil, err
		}
		products[p.ID] = p
	}
	return products, rows.Err()
}

type productQuantity struct {
	productID string
	quantity  int
}

// quantitiesByProduct sums line quantities per product, sorted by product id
// so concurrent checkouts lock product rows in the same order.
func quantitiesByProduct(items []order.Item) []productQuantity {
	sums := make(map[string]int, len(items))
	for _, item := range items {
		sums[item.ProductID] += item.Quantity
	}
	out := make([]productQuantity, 0, len(sums))
	for id, q := range sums {
		out = append(out, productQuantity{productID: id, quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].productID < out[j].productID })
	return out
}
