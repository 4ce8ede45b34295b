package fulfillment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Recognized event types published through the outbox.
const (
	EventOrderCreated       = "ORDER_CREATED"
	EventPaymentProcessed   = "PAYMENT_PROCESSED"
	EventPaymentFailed      = "PAYMENT_FAILED"
	EventInventoryAllocated = "INVENTORY_ALLOCATED"
	EventInventoryFailed    = "INVENTORY_FAILED"
)

// AggregateOrder is the aggregate type tag for order events.
const AggregateOrder = "Order"

// OutboxEvent is one pending or delivered domain event. It is appended in
// the same atomic unit as the aggregate mutation that produced it and only
// ever mutated to record delivery progress.
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
	Processed     bool
	// Attempts counts failed deliveries. Once it reaches the relay's cap the
	// event is marked poison and excluded from further polling.
	Attempts  int
	Poison    bool
	LastError string
}

// NewOutboxEvent builds an unprocessed event with a serialized payload.
func NewOutboxEvent(aggregateID uuid.UUID, eventType string, payload any, now time.Time) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: AggregateOrder,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		CreatedAt:     now,
	}, nil
}

// OrderCreatedPayload announces a new order to the payment step.
type OrderCreatedPayload struct {
	OrderID    uuid.UUID       `json:"orderId"`
	CustomerID string          `json:"customerId"`
	Amount     decimal.Decimal `json:"amount"`
	Items      []LineItem      `json:"items"`
}

// PaymentProcessedPayload announces a successful charge to the inventory step.
type PaymentProcessedPayload struct {
	OrderID uuid.UUID       `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
}

// PaymentFailedPayload announces a declined or unavailable payment.
type PaymentFailedPayload struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

// InventoryAllocatedPayload announces a fully reserved order.
type InventoryAllocatedPayload struct {
	OrderID uuid.UUID  `json:"orderId"`
	Items   []LineItem `json:"items"`
}

// InventoryFailedPayload announces a failed reservation after compensation.
type InventoryFailedPayload struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

// DecodePayload unmarshals an event payload into out.
func DecodePayload(event *OutboxEvent, out any) error {
	if err := json.Unmarshal(event.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	return nil
}
