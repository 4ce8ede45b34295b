package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// reserveConflictRetries bounds re-read-and-retry on stock version conflicts
// inside one reservation attempt.
const reserveConflictRetries = 3

// StockReserver is the inventory step of the saga. For each line item it
// performs a version-checked read-modify-write of the product's stock and
// records a Reservation in the same atomic unit, so the subtraction and its
// compensation record are never separated.
type StockReserver struct {
	store   Store
	breaker *Breaker
	clock   Clock
	logger  *zap.Logger
}

// NewStockReserver creates the inventory step over a store.
func NewStockReserver(store Store, breaker *Breaker, clock Clock, logger *zap.Logger) *StockReserver {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockReserver{store: store, breaker: breaker, clock: clock, logger: logger}
}

// Reserve reserves stock for every line item of the order, through the
// breaker. Items already reserved for this order are skipped, so redelivery
// of the same event cannot double-reserve. On failure the reservations
// committed so far stay recorded; the caller routes them to compensation
// rather than treating the partial result as final.
func (r *StockReserver) Reserve(ctx context.Context, order *Order) error {
	step := func(ctx context.Context) error {
		return r.reserveAll(ctx, order)
	}
	if r.breaker != nil {
		return r.breaker.Do(ctx, step)
	}
	return step(ctx)
}

func (r *StockReserver) reserveAll(ctx context.Context, order *Order) error {
	existing, err := r.store.ReservationsForOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, res := range existing {
		seen[res.ProductCode] = true
	}

	for _, item := range order.Items {
		if seen[item.ProductCode] {
			continue
		}
		if err := r.reserveItem(ctx, order.ID, item); err != nil {
			return err
		}
	}
	return nil
}

// reserveItem commits one stock subtraction plus its reservation record,
// retrying version conflicts with a fresh read a bounded number of times.
func (r *StockReserver) reserveItem(ctx context.Context, orderID uuid.UUID, item LineItem) error {
	var lastErr error
	for attempt := 0; attempt < reserveConflictRetries; attempt++ {
		err := r.store.Atomic(ctx, func(ctx context.Context) error {
			stock, err := r.store.GetStock(ctx, item.ProductCode)
			if err != nil {
				return err
			}
			if err := stock.Reserve(item.Quantity); err != nil {
				return err
			}
			if err := r.store.UpdateStock(ctx, stock); err != nil {
				return err
			}
			return r.store.AddReservation(ctx, &Reservation{
				ID:          uuid.New(),
				OrderID:     orderID,
				ProductCode: item.ProductCode,
				Quantity:    item.Quantity,
				Status:      ReservationHeld,
				CreatedAt:   r.clock.Now(),
			})
		})
		if err == nil {
			r.logger.Info("stock reserved",
				zap.String("order_id", orderID.String()),
				zap.String("product_code", item.ProductCode),
				zap.Int64("quantity", item.Quantity))
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("reserve %s: retries exhausted: %w", item.ProductCode, lastErr)
}
