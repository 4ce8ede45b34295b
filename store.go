package fulfillment

import (
	"context"

	"github.com/google/uuid"
)

// TxRunner runs fn as one atomic unit: every store write made inside fn
// commits together or not at all. Implementations may nest; an Atomic call
// inside a running unit joins it.
type TxRunner interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderStore persists order aggregates with optimistic concurrency.
type OrderStore interface {
	// InsertOrder stores a new order at version 1.
	InsertOrder(ctx context.Context, order *Order) error
	// GetOrder returns a copy of the order or ErrOrderNotFound.
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// UpdateOrder writes the order only when the stored version equals
	// order.Version, then bumps the version on both sides. A mismatch
	// returns ErrConcurrencyConflict and leaves the row untouched.
	UpdateOrder(ctx context.Context, order *Order) error
}

// StockStore persists per-product stock with optimistic concurrency.
type StockStore interface {
	// PutStock creates or replaces a stock row (seeding).
	PutStock(ctx context.Context, stock *Stock) error
	// GetStock returns a copy of the stock row or ErrStockNotFound.
	GetStock(ctx context.Context, productCode string) (*Stock, error)
	// UpdateStock writes the row only when the stored version equals
	// stock.Version, then bumps the version on both sides. A mismatch
	// returns ErrConcurrencyConflict.
	UpdateStock(ctx context.Context, stock *Stock) error
}

// ReservationStore records committed stock subtractions per order.
type ReservationStore interface {
	// AddReservation stores a new held reservation.
	AddReservation(ctx context.Context, res *Reservation) error
	// ReservationsForOrder returns the order's reservations in the order
	// they were applied.
	ReservationsForOrder(ctx context.Context, orderID uuid.UUID) ([]*Reservation, error)
	// ReleaseReservation flips HELD to RELEASED. It returns false when the
	// reservation was already released, so compensation can be replayed
	// without double-returning stock.
	ReleaseReservation(ctx context.Context, id uuid.UUID) (bool, error)
}

// OutboxStore is the append-only log of pending domain events.
type OutboxStore interface {
	// AppendEvent must be called inside the same atomic unit as the
	// aggregate write that produced the event.
	AppendEvent(ctx context.Context, event *OutboxEvent) error
	// ListUnprocessed returns up to limit pending events in append order,
	// excluding poison events. limit <= 0 means no limit.
	ListUnprocessed(ctx context.Context, limit int) ([]*OutboxEvent, error)
	// MarkProcessed flips the processed flag. Only successful handoff marks
	// an event processed.
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	// RecordDispatchFailure increments the attempt counter and stores the
	// cause, returning the new attempt count.
	RecordDispatchFailure(ctx context.Context, id uuid.UUID, cause string) (int, error)
	// MarkPoison excludes the event from further automatic retry. The event
	// is retained for audit.
	MarkPoison(ctx context.Context, id uuid.UUID) error
}

// Store bundles the storage surface of one fulfillment backend.
type Store interface {
	TxRunner
	OrderStore
	StockStore
	ReservationStore
	OutboxStore
}
