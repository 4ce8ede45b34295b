package fulfillment

import (
	"time"

	"github.com/google/uuid"
)

// Stock is the available quantity of one product. All mutation goes through
// Reserve and Release; the store enforces the version check on write.
type Stock struct {
	ProductCode string
	Quantity    int64
	Version     int64
}

// Reserve subtracts qty from the available quantity. It fails rather than
// clamps when not enough stock is available.
func (s *Stock) Reserve(qty int64) error {
	if qty <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if s.Quantity < qty {
		return &InsufficientStockError{
			ProductCode: s.ProductCode,
			Requested:   qty,
			Available:   s.Quantity,
		}
	}
	s.Quantity -= qty
	return nil
}

// Release returns qty to the available quantity.
func (s *Stock) Release(qty int64) error {
	if qty <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	s.Quantity += qty
	return nil
}

// ReservationStatus tracks whether a reservation still holds stock.
type ReservationStatus string

const (
	// ReservationHeld means the stock is subtracted and not yet returned.
	ReservationHeld ReservationStatus = "HELD"
	// ReservationReleased means compensation returned the stock. Releasing
	// an already-released reservation is a no-op.
	ReservationReleased ReservationStatus = "RELEASED"
)

// Reservation records one committed stock subtraction for an order. It is
// the unit compensation works on: releases flip the status exactly once, so
// retrying a partially failed compensation never double-releases.
type Reservation struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	ProductCode string
	Quantity    int64
	Status      ReservationStatus
	CreatedAt   time.Time
}
