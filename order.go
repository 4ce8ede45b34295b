package fulfillment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle stage of an order.
type Status string

const (
	// StatusCreated is the initial stage: the order is accepted and its
	// ORDER_CREATED event is committed, but no step has run yet.
	StatusCreated Status = "CREATED"
	// StatusPaid means the payment step completed.
	StatusPaid Status = "PAID"
	// StatusCompleted means every step completed. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means a step failed after resources had been touched and
	// compensation ran. Terminal.
	StatusFailed Status = "FAILED"
	// StatusCancelled means the order was rejected before any resource was
	// reserved (payment declined or unavailable). Terminal.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status absorbs further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// LineItem is one ordered position.
type LineItem struct {
	ProductCode string          `json:"productCode"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

// Subtotal returns quantity times unit price.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(li.Quantity))
}

// Order is the saga's root aggregate. It is created once, advanced through
// the stage plan by the Coordinator, and never deleted; failures leave it in
// a terminal state with a human-readable reason.
type Order struct {
	ID            uuid.UUID
	CustomerID    string
	Items         []LineItem
	TotalAmount   decimal.Decimal
	Status        Status
	FailureReason string
	CreatedAt     time.Time
	// Version is bumped by the store on every committed mutation and checked
	// on write. A stale version loses with ErrConcurrencyConflict.
	Version int64
}

// NewOrder validates the request and builds an order in the creation stage
// with the total derived from its items.
func NewOrder(customerID string, items []LineItem, now time.Time) (*Order, error) {
	if customerID == "" {
		return nil, &ValidationError{Field: "customerId", Reason: "must not be empty"}
	}
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "must not be empty"}
	}

	total := decimal.Zero
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.ProductCode == "" {
			return nil, &ValidationError{Field: "items", Reason: "product code must not be empty"}
		}
		// One line item per product: reservations are keyed by product code.
		if seen[item.ProductCode] {
			return nil, &ValidationError{Field: "items", Reason: fmt.Sprintf("duplicate product code %s", item.ProductCode)}
		}
		seen[item.ProductCode] = true
		if item.Quantity <= 0 {
			return nil, &ValidationError{Field: "items", Reason: "quantity must be positive"}
		}
		if item.UnitPrice.IsNegative() {
			return nil, &ValidationError{Field: "items", Reason: "unit price must not be negative"}
		}
		total = total.Add(item.Subtotal())
	}

	return &Order{
		ID:          uuid.New(),
		CustomerID:  customerID,
		Items:       append([]LineItem(nil), items...),
		TotalAmount: total,
		Status:      StatusCreated,
		CreatedAt:   now,
	}, nil
}

// Clone returns a deep copy so stored orders cannot be mutated through a
// returned reference.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	return &cp
}
