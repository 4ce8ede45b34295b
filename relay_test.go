package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendEvent(t *testing.T, store *MemoryStore, aggregateID uuid.UUID, eventType string) *OutboxEvent {
	t.Helper()
	event, err := NewOutboxEvent(aggregateID, eventType, map[string]string{"k": "v"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(context.Background(), event))
	return event
}

func TestRelayTickDispatchesInAppendOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := NewHandlerRegistry()

	var delivered []string
	handler := HandlerFunc(func(ctx context.Context, event *OutboxEvent) error {
		delivered = append(delivered, event.EventType)
		return nil
	})
	require.NoError(t, registry.Register(EventOrderCreated, handler))
	require.NoError(t, registry.Register(EventPaymentProcessed, handler))

	aggregateID := uuid.New()
	appendEvent(t, store, aggregateID, EventOrderCreated)
	appendEvent(t, store, aggregateID, EventPaymentProcessed)

	relay := NewRelay(store, registry)
	dispatched, err := relay.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)
	assert.Equal(t, []string{EventOrderCreated, EventPaymentProcessed}, delivered)

	pending, err := store.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "dispatched events are marked processed")
}

func TestRelayRetriesUntilHandlerSucceeds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := NewHandlerRegistry()

	calls := 0
	require.NoError(t, registry.Register(EventOrderCreated, HandlerFunc(func(ctx context.Context, event *OutboxEvent) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})))

	event := appendEvent(t, store, uuid.New(), EventOrderCreated)
	relay := NewRelay(store, registry, WithMaxAttempts(5))

	for i := 0; i < 3; i++ {
		_, err := relay.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)

	stored, err := store.Event(event.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, 2, stored.Attempts)
	assert.False(t, stored.Poison)
}

func TestRelayPoisonsEventAfterRedeliveryBudget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := NewHandlerRegistry()

	calls := 0
	require.NoError(t, registry.Register(EventOrderCreated, HandlerFunc(func(ctx context.Context, event *OutboxEvent) error {
		calls++
		return errors.New("permanent")
	})))

	event := appendEvent(t, store, uuid.New(), EventOrderCreated)
	relay := NewRelay(store, registry, WithMaxAttempts(3))

	for i := 0; i < 5; i++ {
		if _, err := relay.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	assert.Equal(t, 3, calls, "a poisoned event is not redelivered")

	stored, err := store.Event(event.ID)
	require.NoError(t, err)
	assert.True(t, stored.Poison)
	assert.False(t, stored.Processed)
	assert.Equal(t, 3, stored.Attempts)
	assert.Contains(t, stored.LastError, "permanent")

	// Later events keep flowing past the poisoned one.
	require.NoError(t, registry.Register(EventPaymentProcessed, HandlerFunc(func(ctx context.Context, event *OutboxEvent) error {
		return nil
	})))
	appendEvent(t, store, uuid.New(), EventPaymentProcessed)
	dispatched, err := relay.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}

func TestRelayCountsUnregisteredEventTypeAsFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	event := appendEvent(t, store, uuid.New(), "UNKNOWN_TYPE")

	relay := NewRelay(store, NewHandlerRegistry(), WithMaxAttempts(2))
	_, err := relay.Tick(ctx)
	require.NoError(t, err)

	stored, err := store.Event(event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "no handler registered")
}

func TestRelayHandlerTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := NewHandlerRegistry()

	require.NoError(t, registry.Register(EventOrderCreated, HandlerFunc(func(ctx context.Context, event *OutboxEvent) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	event := appendEvent(t, store, uuid.New(), EventOrderCreated)
	relay := NewRelay(store, registry, WithHandlerTimeout(10*time.Millisecond))

	_, err := relay.Tick(ctx)
	require.NoError(t, err)

	stored, err := store.Event(event.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRelayStartPollsAndStops(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := NewHandlerRegistry()

	var mu sync.Mutex
	delivered := make(map[uuid.UUID]int)
	require.NoError(t, registry.Register(EventOrderCreated, HandlerFunc(func(ctx context.Context, event *OutboxEvent) error {
		mu.Lock()
		delivered[event.ID]++
		mu.Unlock()
		return nil
	})))

	events := make([]*OutboxEvent, 5)
	for i := range events {
		events[i] = appendEvent(t, store, uuid.New(), EventOrderCreated)
	}

	relay := NewRelay(store, registry,
		WithPollInterval(5*time.Millisecond),
		WithWorkers(2),
	)
	require.NoError(t, relay.Start(ctx))
	require.Error(t, relay.Start(ctx), "second start must be rejected")

	require.Eventually(t, func() bool {
		pending, err := store.ListUnprocessed(ctx, 0)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)

	relay.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, event := range events {
		assert.Equal(t, 1, delivered[event.ID], "each event delivered exactly once")
	}
}

func TestRelayPollBlocksPartitionAfterFailedEnqueue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	relay := NewRelay(store, NewHandlerRegistry(), WithWorkers(1), WithQueueDepth(1))
	relay.queues = []chan *OutboxEvent{make(chan *OutboxEvent, 1)}

	aggregateID := uuid.New()
	first := appendEvent(t, store, aggregateID, EventOrderCreated)
	second := appendEvent(t, store, aggregateID, EventPaymentProcessed)
	third := appendEvent(t, store, aggregateID, EventInventoryAllocated)

	relay.poll(ctx)

	// Only the first event fits; the rest of the partition sits the scan out.
	require.Len(t, relay.queues[0], 1)
	queued := <-relay.queues[0]
	assert.Equal(t, first.ID, queued.ID)

	_, ok := relay.inFlight.Load(second.ID)
	assert.False(t, ok, "event behind a full queue must not be in flight")
	_, ok = relay.inFlight.Load(third.ID)
	assert.False(t, ok, "later events of the partition must not overtake")

	// Once the first event's dispatch finishes, the next scan moves on to the
	// second event, never the third first.
	relay.inFlight.Delete(first.ID)
	require.NoError(t, store.MarkProcessed(ctx, first.ID))
	relay.poll(ctx)

	require.Len(t, relay.queues[0], 1)
	queued = <-relay.queues[0]
	assert.Equal(t, second.ID, queued.ID)
}

func TestRelayPreservesAggregateOrderUnderSaturation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := NewHandlerRegistry()

	var mu sync.Mutex
	var delivered []uuid.UUID
	require.NoError(t, registry.Register(EventOrderCreated, HandlerFunc(func(ctx context.Context, event *OutboxEvent) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		delivered = append(delivered, event.ID)
		mu.Unlock()
		return nil
	})))

	aggregateID := uuid.New()
	var appended []uuid.UUID
	for i := 0; i < 15; i++ {
		event := appendEvent(t, store, aggregateID, EventOrderCreated)
		appended = append(appended, event.ID)
	}

	// A single shallow queue forces failed enqueues on nearly every scan.
	relay := NewRelay(store, registry,
		WithPollInterval(2*time.Millisecond),
		WithWorkers(1),
		WithQueueDepth(1),
	)
	require.NoError(t, relay.Start(ctx))

	require.Eventually(t, func() bool {
		pending, err := store.ListUnprocessed(ctx, 0)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 5*time.Millisecond)
	relay.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, appended, delivered, "same-aggregate events must arrive in append order")
}

func TestRelaySameAggregateSharesPartition(t *testing.T) {
	relay := NewRelay(NewMemoryStore(), NewHandlerRegistry(), WithWorkers(4))
	relay.queues = make([]chan *OutboxEvent, 4)

	aggregateID := uuid.New()
	first := relay.partition(aggregateID)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, relay.partition(aggregateID))
	}
}
