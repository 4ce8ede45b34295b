package fulfillment

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsStepFailure(t *testing.T) {
	assert.True(t, IsStepFailure(&InsufficientStockError{ProductCode: "P1"}))
	assert.True(t, IsStepFailure(&PaymentDeclinedError{Reason: "Insufficient funds"}))
	assert.True(t, IsStepFailure(ErrCircuitOpen))
	assert.True(t, IsStepFailure(fmt.Errorf("charge: %w", ErrCircuitOpen)))

	assert.False(t, IsStepFailure(errors.New("connection reset")))
	assert.False(t, IsStepFailure(ErrConcurrencyConflict))
	assert.False(t, IsStepFailure(nil))
}

func TestDispatchErrorUnwraps(t *testing.T) {
	cause := errors.New("handler down")
	err := &DispatchError{EventType: EventOrderCreated, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), EventOrderCreated)
}
