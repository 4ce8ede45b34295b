package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// releaseConflictRetries bounds re-read-and-retry on stock version conflicts
// while returning a single reservation.
const releaseConflictRetries = 5

// Compensator unwinds the completed steps of a failed saga: reserved stock
// is released in reverse order of application, the payment is refunded, and
// the order is moved to its failure terminal state. Every action is
// idempotent, so a compensation interrupted partway can simply be run again.
type Compensator struct {
	store    Store
	payments *PaymentProcessor
	coord    *Coordinator
	logger   *zap.Logger
}

// NewCompensator creates a compensator.
func NewCompensator(store Store, payments *PaymentProcessor, coord *Coordinator, logger *zap.Logger) *Compensator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compensator{store: store, payments: payments, coord: coord, logger: logger}
}

// Compensate reverses the order's resource mutations and marks it failed
// with the given reason. Any events are appended atomically with the
// terminal transition, so repeated compensation cannot publish them twice.
func (c *Compensator) Compensate(ctx context.Context, orderID uuid.UUID, reason string, events ...*OutboxEvent) error {
	reservations, err := c.store.ReservationsForOrder(ctx, orderID)
	if err != nil {
		return err
	}

	// Undo in reverse order of application.
	for i := len(reservations) - 1; i >= 0; i-- {
		if err := c.releaseReservation(ctx, reservations[i]); err != nil {
			return err
		}
	}

	if c.payments != nil {
		c.payments.Refund(ctx, orderID)
	}

	if err := c.coord.Fail(ctx, orderID, reason, events...); err != nil {
		return err
	}

	c.logger.Info("order compensated",
		zap.String("order_id", orderID.String()),
		zap.String("reason", reason),
		zap.Int("reservations", len(reservations)))
	return nil
}

// releaseReservation returns one reservation's stock. The status flip and
// the stock increment commit in the same atomic unit; an already-released
// reservation is left alone.
func (c *Compensator) releaseReservation(ctx context.Context, res *Reservation) error {
	var lastErr error
	for attempt := 0; attempt < releaseConflictRetries; attempt++ {
		err := c.store.Atomic(ctx, func(ctx context.Context) error {
			released, err := c.store.ReleaseReservation(ctx, res.ID)
			if err != nil {
				return err
			}
			if !released {
				return nil
			}
			stock, err := c.store.GetStock(ctx, res.ProductCode)
			if err != nil {
				return err
			}
			if err := stock.Release(res.Quantity); err != nil {
				return err
			}
			return c.store.UpdateStock(ctx, stock)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("release reservation %s: retries exhausted: %w", res.ID, lastErr)
}
