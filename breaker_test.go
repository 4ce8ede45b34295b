package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAndFailsFast(t *testing.T) {
	ctx := context.Background()
	breaker := NewBreaker("payment", BreakerConfig{
		FailureRatio: 0.5,
		MinRequests:  3,
		OpenTimeout:  time.Hour,
	}, nil)

	boom := errors.New("provider down")
	calls := 0
	failing := func(ctx context.Context) error {
		calls++
		return boom
	}

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, breaker.Do(ctx, failing), boom)
	}
	require.Equal(t, BreakerOpen, breaker.State())

	// While open the wrapped call must not run at all.
	err := breaker.Do(ctx, failing)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, calls)
}

func TestBreakerRecoversThroughHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	breaker := NewBreaker("payment", BreakerConfig{
		FailureRatio: 0.5,
		MinRequests:  2,
		OpenTimeout:  20 * time.Millisecond,
	}, nil)

	boom := errors.New("provider down")
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, breaker.Do(ctx, func(ctx context.Context) error { return boom }), boom)
	}
	require.Equal(t, BreakerOpen, breaker.State())

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, breaker.Do(ctx, func(ctx context.Context) error { return nil }))
	assert.Equal(t, BreakerClosed, breaker.State())
}

func TestBreakerStaysClosedBelowMinRequests(t *testing.T) {
	ctx := context.Background()
	breaker := NewBreaker("payment", BreakerConfig{
		FailureRatio: 0.5,
		MinRequests:  10,
	}, nil)

	boom := errors.New("provider down")
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, breaker.Do(ctx, func(ctx context.Context) error { return boom }), boom)
	}
	assert.Equal(t, BreakerClosed, breaker.State())
}

func TestBreakerCallTimeout(t *testing.T) {
	ctx := context.Background()
	breaker := NewBreaker("inventory", BreakerConfig{
		MinRequests: 100,
		CallTimeout: 10 * time.Millisecond,
	}, nil)

	err := breaker.Do(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
