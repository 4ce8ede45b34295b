package fulfillment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// terminateAttempts bounds the re-read-and-retry loop for terminal
// transitions under version contention.
const terminateAttempts = 10

// Coordinator owns the order state machine. It is the only writer of order
// status, and every transition it commits is published as an outbox event in
// the same atomic unit.
type Coordinator struct {
	store  Store
	plan   *StagePlan
	clock  Clock
	logger *zap.Logger
}

// NewCoordinator creates a coordinator over the given store. A nil clock
// defaults to the system clock, a nil logger to a no-op logger.
func NewCoordinator(store Store, plan *StagePlan, clock Clock, logger *zap.Logger) *Coordinator {
	if plan == nil {
		plan = DefaultStagePlan()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, plan: plan, clock: clock, logger: logger}
}

// Plan returns the coordinator's stage plan.
func (c *Coordinator) Plan() *StagePlan {
	return c.plan
}

// Clock returns the coordinator's clock.
func (c *Coordinator) Clock() Clock {
	return c.clock
}

// CreateOrder validates the request and commits the order together with its
// ORDER_CREATED event in one atomic unit. Neither is durable without the
// other.
func (c *Coordinator) CreateOrder(ctx context.Context, customerID string, items []LineItem) (*Order, error) {
	order, err := NewOrder(customerID, items, c.clock.Now())
	if err != nil {
		return nil, err
	}

	event, err := NewOutboxEvent(order.ID, EventOrderCreated, OrderCreatedPayload{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Amount:     order.TotalAmount,
		Items:      order.Items,
	}, c.clock.Now())
	if err != nil {
		return nil, err
	}

	err = c.store.Atomic(ctx, func(ctx context.Context) error {
		if err := c.store.InsertOrder(ctx, order); err != nil {
			return err
		}
		return c.store.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("customer_id", customerID),
		zap.String("amount", order.TotalAmount.String()))
	return order, nil
}

// GetOrder returns the current state of an order.
func (c *Coordinator) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return c.store.GetOrder(ctx, id)
}

// Advance moves an order along one edge of the stage plan. The transition is
// applied only when the persisted stage still equals from; a stale view
// fails with ErrConcurrencyConflict and the caller must re-read before
// retrying. Any events are appended in the same atomic unit.
func (c *Coordinator) Advance(ctx context.Context, orderID uuid.UUID, from, to Status, events ...*OutboxEvent) (*Order, error) {
	if !c.plan.CanAdvance(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}

	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != from {
		return nil, ErrConcurrencyConflict
	}

	order.Status = to
	err = c.store.Atomic(ctx, func(ctx context.Context) error {
		if err := c.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		for _, event := range events {
			if err := c.store.AppendEvent(ctx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("order advanced",
		zap.String("order_id", orderID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return order, nil
}

// Fail moves the order to the FAILED terminal state and records the reason.
// Repeated calls on a terminal order are no-ops.
func (c *Coordinator) Fail(ctx context.Context, orderID uuid.UUID, reason string, events ...*OutboxEvent) error {
	return c.terminate(ctx, orderID, StatusFailed, reason, events)
}

// Cancel moves the order to the CANCELLED terminal state and records the
// reason. Repeated calls on a terminal order are no-ops.
func (c *Coordinator) Cancel(ctx context.Context, orderID uuid.UUID, reason string, events ...*OutboxEvent) error {
	return c.terminate(ctx, orderID, StatusCancelled, reason, events)
}

// terminate applies an absorbing failure transition. Unlike Advance it does
// not require a particular source stage, so it retries version conflicts
// with a fresh read instead of surfacing them.
func (c *Coordinator) terminate(ctx context.Context, orderID uuid.UUID, terminal Status, reason string, events []*OutboxEvent) error {
	var lastErr error
	for attempt := 0; attempt < terminateAttempts; attempt++ {
		order, err := c.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.Terminal() {
			return nil
		}

		order.Status = terminal
		order.FailureReason = reason
		err = c.store.Atomic(ctx, func(ctx context.Context) error {
			if err := c.store.UpdateOrder(ctx, order); err != nil {
				return err
			}
			for _, event := range events {
				if err := c.store.AppendEvent(ctx, event); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			c.logger.Warn("order terminated",
				zap.String("order_id", orderID.String()),
				zap.String("status", string(terminal)),
				zap.String("reason", reason))
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
