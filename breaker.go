package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerState is the lifecycle state of a Breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig holds circuit breaker tuning, configured as a plain struct.
type BreakerConfig struct {
	// FailureRatio is the failure rate that trips the breaker, e.g. 0.5.
	FailureRatio float64
	// MinRequests is the minimum call count in the window before the ratio
	// is evaluated.
	MinRequests uint32
	// Window is the counting window in the closed state.
	Window time.Duration
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenMaxCalls caps concurrent probe calls in the half-open state.
	HalfOpenMaxCalls uint32
	// CallTimeout budgets a single call. Zero means no budget.
	CallTimeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Breaker decorates a step call with circuit breaking. While open, Do fails
// fast with ErrCircuitOpen without invoking the wrapped function; recovery
// happens through bounded half-open probes.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreaker creates a named breaker.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	b := &Breaker{name: name, cfg: cfg, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

// Do runs fn through the breaker, applying the call timeout when configured.
// A timed-out call counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx := ctx
	cancel := func() {}
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
	}
	defer cancel()

	_, err := b.cb.Execute(func() (any, error) {
		if err := fn(callCtx); err != nil {
			return nil, err
		}
		if err := callCtx.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
