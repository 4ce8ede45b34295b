package fulfillment

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound is returned when an order id resolves to nothing.
	ErrOrderNotFound = errors.New("order not found")
	// ErrStockNotFound is returned when a product has no stock row.
	ErrStockNotFound = errors.New("stock not found")
	// ErrEventNotFound is returned when an outbox event id resolves to nothing.
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrConcurrencyConflict signals an optimistic version mismatch on an
	// order or stock row. The caller must re-read and retry; the write was
	// not applied.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")
	// ErrCircuitOpen is the fast-fail result of a tripped breaker. The
	// underlying step was not invoked.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ValidationError rejects malformed input to order creation. It is returned
// synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientStockError is the business failure of an inventory reservation.
// It is routed to compensation, not retried.
type InsufficientStockError struct {
	ProductCode string
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductCode, e.Requested, e.Available)
}

// PaymentDeclinedError is the business failure of the payment step.
type PaymentDeclinedError struct {
	OrderID string
	Reason  string
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment declined for order %s: %s", e.OrderID, e.Reason)
}

// InvalidTransitionError reports an order status transition that is not an
// edge of the stage plan.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// DispatchError wraps a transient failure delivering an outbox event to its
// handler. The event stays unprocessed and is retried on a later relay tick.
type DispatchError struct {
	EventType string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.EventType, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsStepFailure reports whether err is a failure that ends the saga for the
// order rather than a transient condition worth redelivering. Step failures
// are converted into compensation and a terminal order status.
func IsStepFailure(err error) bool {
	var insufficient *InsufficientStockError
	var declined *PaymentDeclinedError
	return errors.As(err, &insufficient) ||
		errors.As(err, &declined) ||
		errors.Is(err, ErrCircuitOpen)
}
