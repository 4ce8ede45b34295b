// Package postgres persists orders, stock, reservations and the outbox in
// PostgreSQL. Optimistic concurrency uses a version column checked on every
// update; atomic units run inside a transaction carried on the context, so
// an aggregate write and its outbox event commit or roll back together.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fortressi/fulfillment"
)

// Store implements fulfillment.Store over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ fulfillment.Store = (*Store)(nil)

// NewStore creates a store over the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Atomic implements fulfillment.TxRunner.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

// InsertOrder implements fulfillment.OrderStore.
func (s *Store) InsertOrder(ctx context.Context, order *fulfillment.Order) error {
	const stmt = `
INSERT INTO orders (id, customer_id, items, total_amount, status, failure_reason, created_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`

	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	_, err = s.exec(ctx, stmt,
		order.ID, order.CustomerID, items, order.TotalAmount.String(),
		order.Status, order.FailureReason, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s already exists", order.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	order.Version = 1
	return nil
}

// GetOrder implements fulfillment.OrderStore.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*fulfillment.Order, error) {
	const query = `
SELECT id, customer_id, items, total_amount::text, status, failure_reason, created_at, version
FROM orders
WHERE id = $1`

	order := &fulfillment.Order{}
	var items []byte
	var total, status string
	err := s.queryRow(ctx, query, id).Scan(
		&order.ID, &order.CustomerID, &items, &total,
		&status, &order.FailureReason, &order.CreatedAt, &order.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fulfillment.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	order.TotalAmount, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("decode total: %w", err)
	}
	order.Status = fulfillment.Status(status)
	return order, nil
}

// UpdateOrder implements fulfillment.OrderStore. The write only lands when
// the stored version matches the caller's; a mismatch reports
// ErrConcurrencyConflict and the caller re-reads.
func (s *Store) UpdateOrder(ctx context.Context, order *fulfillment.Order) error {
	const stmt = `
UPDATE orders
SET status = $3, failure_reason = $4, version = version + 1
WHERE id = $1 AND version = $2`

	tag, err := s.exec(ctx, stmt, order.ID, order.Version, order.Status, order.FailureReason)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if !exists {
			return fulfillment.ErrOrderNotFound
		}
		return fulfillment.ErrConcurrencyConflict
	}
	order.Version++
	return nil
}

// PutStock implements fulfillment.StockStore.
func (s *Store) PutStock(ctx context.Context, stock *fulfillment.Stock) error {
	const stmt = `
INSERT INTO stock (product_code, quantity, version)
VALUES ($1, $2, $3)
ON CONFLICT (product_code) DO UPDATE SET quantity = $2, version = $3`

	if stock.Version == 0 {
		stock.Version = 1
	}
	if _, err := s.exec(ctx, stmt, stock.ProductCode, stock.Quantity, stock.Version); err != nil {
		return fmt.Errorf("put stock: %w", err)
	}
	return nil
}

// GetStock implements fulfillment.StockStore.
func (s *Store) GetStock(ctx context.Context, productCode string) (*fulfillment.Stock, error) {
	const query = `SELECT product_code, quantity, version FROM stock WHERE product_code = $1`

	stock := &fulfillment.Stock{}
	err := s.queryRow(ctx, query, productCode).Scan(&stock.ProductCode, &stock.Quantity, &stock.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fulfillment.ErrStockNotFound
		}
		return nil, fmt.Errorf("get stock: %w", err)
	}
	return stock, nil
}

// UpdateStock implements fulfillment.StockStore with the same version check
// as UpdateOrder.
func (s *Store) UpdateStock(ctx context.Context, stock *fulfillment.Stock) error {
	const stmt = `
UPDATE stock
SET quantity = $3, version = version + 1
WHERE product_code = $1 AND version = $2`

	tag, err := s.exec(ctx, stmt, stock.ProductCode, stock.Version, stock.Quantity)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock WHERE product_code = $1)`, stock.ProductCode).Scan(&exists); err != nil {
			return fmt.Errorf("update stock: %w", err)
		}
		if !exists {
			return fulfillment.ErrStockNotFound
		}
		return fulfillment.ErrConcurrencyConflict
	}
	stock.Version++
	return nil
}

// AddReservation implements fulfillment.ReservationStore.
func (s *Store) AddReservation(ctx context.Context, res *fulfillment.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, order_id, product_code, quantity, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.exec(ctx, stmt, res.ID, res.OrderID, res.ProductCode, res.Quantity, res.Status, res.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("reservation %s already exists", res.ID)
		}
		return fmt.Errorf("add reservation: %w", err)
	}
	return nil
}

// ReservationsForOrder implements fulfillment.ReservationStore. Rows come
// back in the order the reservations were applied.
func (s *Store) ReservationsForOrder(ctx context.Context, orderID uuid.UUID) ([]*fulfillment.Reservation, error) {
	const query = `
SELECT id, order_id, product_code, quantity, status, created_at
FROM reservations
WHERE order_id = $1
ORDER BY seq`

	rows, err := s.query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []*fulfillment.Reservation
	for rows.Next() {
		res := &fulfillment.Reservation{}
		var status string
		if err := rows.Scan(&res.ID, &res.OrderID, &res.ProductCode, &res.Quantity, &status, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res.Status = fulfillment.ReservationStatus(status)
		out = append(out, res)
	}
	return out, rows.Err()
}

// ReleaseReservation implements fulfillment.ReservationStore. The HELD to
// RELEASED flip happens in the database, so a replayed release sees zero
// rows affected and reports false.
func (s *Store) ReleaseReservation(ctx context.Context, id uuid.UUID) (bool, error) {
	const stmt = `
UPDATE reservations
SET status = $2
WHERE id = $1 AND status = $3`

	tag, err := s.exec(ctx, stmt, id, fulfillment.ReservationReleased, fulfillment.ReservationHeld)
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("reservation %s not found", id)
	}
	return false, nil
}

// AppendEvent implements fulfillment.OutboxStore.
func (s *Store) AppendEvent(ctx context.Context, event *fulfillment.OutboxEvent) error {
	const stmt = `
INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.exec(ctx, stmt,
		event.ID, event.AggregateType, event.AggregateID,
		event.EventType, []byte(event.Payload), event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("outbox event %s already exists", event.ID)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListUnprocessed implements fulfillment.OutboxStore.
func (s *Store) ListUnprocessed(ctx context.Context, limit int) ([]*fulfillment.OutboxEvent, error) {
	query := `
SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, processed, attempts, poison, last_error
FROM outbox_events
WHERE NOT processed AND NOT poison
ORDER BY seq`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()

	var out []*fulfillment.OutboxEvent
	for rows.Next() {
		event := &fulfillment.OutboxEvent{}
		var payload []byte
		if err := rows.Scan(
			&event.ID, &event.AggregateType, &event.AggregateID, &event.EventType,
			&payload, &event.CreatedAt, &event.Processed, &event.Attempts,
			&event.Poison, &event.LastError); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Payload = payload
		out = append(out, event)
	}
	return out, rows.Err()
}

// MarkProcessed implements fulfillment.OutboxStore.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.exec(ctx, `UPDATE outbox_events SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fulfillment.ErrEventNotFound
	}
	return nil
}

// RecordDispatchFailure implements fulfillment.OutboxStore.
func (s *Store) RecordDispatchFailure(ctx context.Context, id uuid.UUID, cause string) (int, error) {
	const stmt = `
UPDATE outbox_events
SET attempts = attempts + 1, last_error = $2
WHERE id = $1
RETURNING attempts`

	var attempts int
	err := s.queryRow(ctx, stmt, id, cause).Scan(&attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, fulfillment.ErrEventNotFound
		}
		return 0, fmt.Errorf("record dispatch failure: %w", err)
	}
	return attempts, nil
}

// MarkPoison implements fulfillment.OutboxStore.
func (s *Store) MarkPoison(ctx context.Context, id uuid.UUID) error {
	tag, err := s.exec(ctx, `UPDATE outbox_events SET poison = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark poison: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fulfillment.ErrEventNotFound
	}
	return nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

func (s *Store) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return s.pool.Query(ctx, sql, args...)
}
