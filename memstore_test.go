package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustOrder(t *testing.T) *Order {
	t.Helper()
	order, err := NewOrder("customer-1", testItems(), time.Now())
	require.NoError(t, err)
	return order
}

func TestMemoryStoreOrderVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := mustOrder(t)

	require.NoError(t, store.InsertOrder(ctx, order))
	assert.Equal(t, int64(1), order.Version)

	// Two readers race on the same version: the second write loses.
	first, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	second, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	first.Status = StatusPaid
	require.NoError(t, store.UpdateOrder(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = StatusFailed
	err = store.UpdateOrder(ctx, second)
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, stored.Status, "losing write must not be applied")
}

func TestMemoryStoreStockVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutStock(ctx, &Stock{ProductCode: "P1", Quantity: 10}))

	first, err := store.GetStock(ctx, "P1")
	require.NoError(t, err)
	second, err := store.GetStock(ctx, "P1")
	require.NoError(t, err)

	require.NoError(t, first.Reserve(2))
	require.NoError(t, store.UpdateStock(ctx, first))

	require.NoError(t, second.Reserve(5))
	require.ErrorIs(t, store.UpdateStock(ctx, second), ErrConcurrencyConflict)

	stored, err := store.GetStock(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), stored.Quantity)
}

func TestMemoryStoreAtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := mustOrder(t)
	boom := errors.New("boom")

	err := store.Atomic(ctx, func(ctx context.Context) error {
		require.NoError(t, store.InsertOrder(ctx, order))
		event, err := NewOutboxEvent(order.ID, EventOrderCreated, OrderCreatedPayload{OrderID: order.ID}, time.Now())
		require.NoError(t, err)
		require.NoError(t, store.AppendEvent(ctx, event))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetOrder(ctx, order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound, "aborted unit must leave no order behind")
	assert.Empty(t, store.Events(), "aborted unit must leave no event behind")
}

func TestMemoryStoreOutboxOrderAndFlags(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orderID := uuid.New()

	var ids []uuid.UUID
	for _, eventType := range []string{EventOrderCreated, EventPaymentProcessed, EventInventoryAllocated} {
		event, err := NewOutboxEvent(orderID, eventType, map[string]string{"k": "v"}, time.Now())
		require.NoError(t, err)
		require.NoError(t, store.AppendEvent(ctx, event))
		ids = append(ids, event.ID)
	}

	pending, err := store.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, EventOrderCreated, pending[0].EventType, "append order preserved")
	assert.Equal(t, EventInventoryAllocated, pending[2].EventType)

	require.NoError(t, store.MarkProcessed(ctx, ids[0]))
	attempts, err := store.RecordDispatchFailure(ctx, ids[1], "handler down")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	require.NoError(t, store.MarkPoison(ctx, ids[2]))

	pending, err = store.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1, "processed and poison events are excluded")
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Equal(t, "handler down", pending[0].LastError)

	limited, err := store.ListUnprocessed(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStoreReleaseReservationIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	res := &Reservation{
		ID:          uuid.New(),
		OrderID:     uuid.New(),
		ProductCode: "P1",
		Quantity:    2,
		Status:      ReservationHeld,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.AddReservation(ctx, res))

	released, err := store.ReleaseReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = store.ReleaseReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, released, "second release is a no-op")
}

func TestMemoryStoreReservationsKeepApplicationOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orderID := uuid.New()

	for _, code := range []string{"P1", "P2", "P3"} {
		require.NoError(t, store.AddReservation(ctx, &Reservation{
			ID:          uuid.New(),
			OrderID:     orderID,
			ProductCode: code,
			Quantity:    1,
			Status:      ReservationHeld,
		}))
	}

	reservations, err := store.ReservationsForOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, reservations, 3)
	assert.Equal(t, "P1", reservations[0].ProductCode)
	assert.Equal(t, "P3", reservations[2].ProductCode)
}
