package fulfillment

import (
	"context"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChargeFunc performs the actual charge against a payment provider.
type ChargeFunc func(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) error

// CeilingGateway simulates a payment provider that declines any amount above
// the given limit.
func CeilingGateway(limit decimal.Decimal) ChargeFunc {
	return func(_ context.Context, orderID uuid.UUID, amount decimal.Decimal) error {
		if amount.GreaterThan(limit) {
			return &PaymentDeclinedError{OrderID: orderID.String(), Reason: "Insufficient funds"}
		}
		return nil
	}
}

// PaymentProcessor is the payment step of the saga. Successful charges are
// recorded in a ledger keyed by order id, which makes both the charge and
// its refund idempotent under event redelivery.
type PaymentProcessor struct {
	gateway ChargeFunc
	breaker *Breaker
	ledger  *xsync.MapOf[uuid.UUID, decimal.Decimal]
	logger  *zap.Logger
}

// NewPaymentProcessor creates the payment step around a charge gateway.
func NewPaymentProcessor(gateway ChargeFunc, breaker *Breaker, logger *zap.Logger) *PaymentProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentProcessor{
		gateway: gateway,
		breaker: breaker,
		ledger:  xsync.NewMapOf[uuid.UUID, decimal.Decimal](),
		logger:  logger,
	}
}

// Charge takes payment for an order through the breaker. Charging an
// already-charged order is a no-op.
func (p *PaymentProcessor) Charge(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) error {
	if _, done := p.ledger.Load(orderID); done {
		return nil
	}

	call := func(ctx context.Context) error {
		return p.gateway(ctx, orderID, amount)
	}
	var err error
	if p.breaker != nil {
		err = p.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return err
	}

	p.ledger.Store(orderID, amount)
	p.logger.Info("payment processed",
		zap.String("order_id", orderID.String()),
		zap.String("amount", amount.String()))
	return nil
}

// Refund reverses a previous charge. Refunding an order that was never
// charged, or was already refunded, is a no-op.
func (p *PaymentProcessor) Refund(ctx context.Context, orderID uuid.UUID) {
	amount, loaded := p.ledger.LoadAndDelete(orderID)
	if !loaded {
		p.logger.Debug("no payment to refund", zap.String("order_id", orderID.String()))
		return
	}
	p.logger.Info("payment refunded",
		zap.String("order_id", orderID.String()),
		zap.String("amount", amount.String()))
}

// Charged returns the recorded charge for an order, if any.
func (p *PaymentProcessor) Charged(orderID uuid.UUID) (decimal.Decimal, bool) {
	return p.ledger.Load(orderID)
}
