package fulfillment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStagePlan(t *testing.T) {
	plan := DefaultStagePlan()

	assert.Equal(t, StatusCreated, plan.First())
	assert.Equal(t, []Status{StatusCreated, StatusPaid, StatusCompleted}, plan.Stages())

	assert.True(t, plan.CanAdvance(StatusCreated, StatusPaid))
	assert.True(t, plan.CanAdvance(StatusPaid, StatusCompleted))

	// No skipping, no reversing.
	assert.False(t, plan.CanAdvance(StatusCreated, StatusCompleted))
	assert.False(t, plan.CanAdvance(StatusPaid, StatusCreated))
	assert.False(t, plan.CanAdvance(StatusCompleted, StatusPaid))

	// Failure terminals are not part of the forward chain.
	assert.False(t, plan.Contains(StatusFailed))
	assert.False(t, plan.Contains(StatusCancelled))
}

func TestNewStagePlanRejectsBadShapes(t *testing.T) {
	_, err := NewStagePlan(StatusCreated)
	require.Error(t, err)

	_, err = NewStagePlan(StatusCreated, StatusPaid, StatusPaid)
	require.Error(t, err)

	_, err = NewStagePlan(StatusCompleted, StatusPaid)
	require.Error(t, err, "terminal stage may only end the plan")
}
