package fulfillment

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Human-readable failure reasons recorded on terminal orders.
const (
	ReasonInsufficientStock    = "insufficient stock"
	ReasonPaymentUnavailable   = "payment service unavailable"
	ReasonInventoryUnavailable = "inventory service unavailable"
	ReasonStepTimeout          = "step timed out"
)

// OrderSaga wires the saga steps to the event types that trigger them. The
// subscriptions are static: ORDER_CREATED drives the payment step,
// PAYMENT_PROCESSED drives the inventory step, and the terminal event types
// go to a notifier for external consumers.
//
// Handlers are idempotent per (order, event type): redelivery of an event
// whose step already ran observes the order's stage and does nothing.
type OrderSaga struct {
	coord    *Coordinator
	payments *PaymentProcessor
	reserver *StockReserver
	comp     *Compensator
	notifier Handler
	logger   *zap.Logger
}

// NewOrderSaga assembles the saga. A nil notifier logs terminal events.
func NewOrderSaga(coord *Coordinator, payments *PaymentProcessor, reserver *StockReserver, comp *Compensator, notifier Handler, logger *zap.Logger) *OrderSaga {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &OrderSaga{
		coord:    coord,
		payments: payments,
		reserver: reserver,
		comp:     comp,
		notifier: notifier,
		logger:   logger,
	}
	if s.notifier == nil {
		s.notifier = HandlerFunc(s.logNotification)
	}
	return s
}

// Register binds every recognized event type on the registry.
func (s *OrderSaga) Register(registry *HandlerRegistry) error {
	bindings := map[string]Handler{
		EventOrderCreated:       HandlerFunc(s.handleOrderCreated),
		EventPaymentProcessed:   HandlerFunc(s.handlePaymentProcessed),
		EventPaymentFailed:      s.notifier,
		EventInventoryAllocated: s.notifier,
		EventInventoryFailed:    s.notifier,
	}
	for eventType, handler := range bindings {
		if err := registry.Register(eventType, handler); err != nil {
			return err
		}
	}
	return nil
}

// handleOrderCreated runs the payment step. A declined payment cancels the
// order before any resource is touched; an unavailable payment service is a
// step failure routed to compensation. Transient errors propagate so the
// relay redelivers.
func (s *OrderSaga) handleOrderCreated(ctx context.Context, event *OutboxEvent) error {
	var payload OrderCreatedPayload
	if err := DecodePayload(event, &payload); err != nil {
		return err
	}

	order, err := s.coord.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if order.Status != StatusCreated {
		return nil
	}

	err = s.payments.Charge(ctx, order.ID, order.TotalAmount)
	switch {
	case err == nil:
		// Payment taken: advance and hand off to the inventory step.
		next, buildErr := NewOutboxEvent(order.ID, EventPaymentProcessed, PaymentProcessedPayload{
			OrderID: order.ID,
			Amount:  order.TotalAmount,
		}, s.coord.Clock().Now())
		if buildErr != nil {
			return buildErr
		}
		_, advErr := s.coord.Advance(ctx, order.ID, StatusCreated, StatusPaid, next)
		return advErr

	case isDeclined(err):
		var declined *PaymentDeclinedError
		errors.As(err, &declined)
		reason := declined.Reason
		failed, buildErr := NewOutboxEvent(order.ID, EventPaymentFailed, PaymentFailedPayload{
			OrderID: order.ID,
			Reason:  reason,
		}, s.coord.Clock().Now())
		if buildErr != nil {
			return buildErr
		}
		return s.coord.Cancel(ctx, order.ID, reason, failed)

	case IsStepFailure(err), errors.Is(err, context.DeadlineExceeded):
		reason := ReasonPaymentUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonStepTimeout
		}
		failed, buildErr := NewOutboxEvent(order.ID, EventPaymentFailed, PaymentFailedPayload{
			OrderID: order.ID,
			Reason:  reason,
		}, s.coord.Clock().Now())
		if buildErr != nil {
			return buildErr
		}
		return s.comp.Compensate(ctx, order.ID, reason, failed)

	default:
		return err
	}
}

// handlePaymentProcessed runs the inventory step. Reservation failures are
// converted into compensation and a terminal order state; they never
// propagate as dispatch errors.
func (s *OrderSaga) handlePaymentProcessed(ctx context.Context, event *OutboxEvent) error {
	var payload PaymentProcessedPayload
	if err := DecodePayload(event, &payload); err != nil {
		return err
	}

	order, err := s.coord.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if order.Status != StatusPaid {
		return nil
	}

	err = s.reserver.Reserve(ctx, order)
	switch {
	case err == nil:
		allocated, buildErr := NewOutboxEvent(order.ID, EventInventoryAllocated, InventoryAllocatedPayload{
			OrderID: order.ID,
			Items:   order.Items,
		}, s.coord.Clock().Now())
		if buildErr != nil {
			return buildErr
		}
		_, advErr := s.coord.Advance(ctx, order.ID, StatusPaid, StatusCompleted, allocated)
		return advErr

	case IsStepFailure(err), errors.Is(err, context.DeadlineExceeded):
		reason := inventoryFailureReason(err)
		failed, buildErr := NewOutboxEvent(order.ID, EventInventoryFailed, InventoryFailedPayload{
			OrderID: order.ID,
			Reason:  reason,
		}, s.coord.Clock().Now())
		if buildErr != nil {
			return buildErr
		}
		return s.comp.Compensate(ctx, order.ID, reason, failed)

	default:
		return err
	}
}

func (s *OrderSaga) logNotification(_ context.Context, event *OutboxEvent) error {
	s.logger.Info("order lifecycle event",
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.AggregateID.String()))
	return nil
}

func isDeclined(err error) bool {
	var declined *PaymentDeclinedError
	return errors.As(err, &declined)
}

func inventoryFailureReason(err error) string {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		return ReasonInsufficientStock
	case errors.Is(err, ErrCircuitOpen):
		return ReasonInventoryUnavailable
	default:
		return ReasonStepTimeout
	}
}
