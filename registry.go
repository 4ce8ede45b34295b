package fulfillment

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Handler consumes one outbox event. Delivery is at-least-once: a handler
// must be idempotent with respect to repeated delivery of the same event.
type Handler interface {
	Handle(ctx context.Context, event *OutboxEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *OutboxEvent) error

// Handle implements Handler.
func (fn HandlerFunc) Handle(ctx context.Context, event *OutboxEvent) error {
	return fn(ctx, event)
}

// HandlerRegistry maps event types to their handlers. Subscriptions are
// declared statically at wiring time; there is no broadcast, each event type
// has exactly one handler.
type HandlerRegistry struct {
	handlers *xsync.MapOf[string, Handler]
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: xsync.NewMapOf[string, Handler]()}
}

// Register binds a handler to an event type.
func (r *HandlerRegistry) Register(eventType string, handler Handler) error {
	if _, dup := r.handlers.Load(eventType); dup {
		return fmt.Errorf("handler for event type %q already registered", eventType)
	}
	r.handlers.Store(eventType, handler)
	return nil
}

// Get returns the handler for an event type.
func (r *HandlerRegistry) Get(eventType string) (Handler, bool) {
	return r.handlers.Load(eventType)
}
