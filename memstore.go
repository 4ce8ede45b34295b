package fulfillment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// MemoryStore provides an in-memory implementation of Store for tests and
// single-process use. A single mutex makes every Atomic unit genuinely
// atomic; writes inside a unit are journaled and undone when the unit fails,
// so an aborted unit leaves no partial state behind.
type MemoryStore struct {
	mu           sync.Mutex
	orders       map[uuid.UUID]*Order
	stock        map[string]*Stock
	reservations map[uuid.UUID]*Reservation
	// reservation ids per order, in application order
	orderReservations map[uuid.UUID][]uuid.UUID

	// outbox events keyed by append sequence so scans see insertion order
	outbox   *btree.Map[uint64, *OutboxEvent]
	eventSeq map[uuid.UUID]uint64
	seq      uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:            make(map[uuid.UUID]*Order),
		stock:             make(map[string]*Stock),
		reservations:      make(map[uuid.UUID]*Reservation),
		orderReservations: make(map[uuid.UUID][]uuid.UUID),
		outbox:            btree.NewMap[uint64, *OutboxEvent](8),
		eventSeq:          make(map[uuid.UUID]uint64),
	}
}

type memTxKey struct{}

type memJournal struct {
	undo []func()
}

func journalFrom(ctx context.Context) *memJournal {
	j, _ := ctx.Value(memTxKey{}).(*memJournal)
	return j
}

// Atomic runs fn under the store lock. On error every write made inside fn
// is undone in reverse order.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if journalFrom(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	journal := &memJournal{}
	if err := fn(context.WithValue(ctx, memTxKey{}, journal)); err != nil {
		for i := len(journal.undo) - 1; i >= 0; i-- {
			journal.undo[i]()
		}
		return err
	}
	return nil
}

// enter acquires the store lock unless the context already runs inside an
// Atomic unit, in which case the unit's journal is returned.
func (s *MemoryStore) enter(ctx context.Context) (*memJournal, func()) {
	if j := journalFrom(ctx); j != nil {
		return j, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

// InsertOrder implements OrderStore.
func (s *MemoryStore) InsertOrder(ctx context.Context, order *Order) error {
	journal, unlock := s.enter(ctx)
	defer unlock()

	if _, exists := s.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	order.Version = 1
	s.orders[order.ID] = order.Clone()

	if journal != nil {
		id := order.ID
		journal.undo = append(journal.undo, func() { delete(s.orders, id) })
	}
	return nil
}

// GetOrder implements OrderStore.
func (s *MemoryStore) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	_, unlock := s.enter(ctx)
	defer unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order.Clone(), nil
}

// UpdateOrder implements OrderStore.
func (s *MemoryStore) UpdateOrder(ctx context.Context, order *Order) error {
	journal, unlock := s.enter(ctx)
	defer unlock()

	stored, ok := s.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Version != order.Version {
		return ErrConcurrencyConflict
	}

	previous := stored
	updated := order.Clone()
	updated.Version++
	s.orders[order.ID] = updated
	order.Version = updated.Version

	if journal != nil {
		id := order.ID
		journal.undo = append(journal.undo, func() { s.orders[id] = previous })
	}
	return nil
}

// PutStock implements StockStore.
func (s *MemoryStore) PutStock(ctx context.Context, stock *Stock) error {
	journal, unlock := s.enter(ctx)
	defer unlock()

	previous, existed := s.stock[stock.ProductCode]
	if stock.Version == 0 {
		stock.Version = 1
	}
	cp := *stock
	s.stock[stock.ProductCode] = &cp

	if journal != nil {
		code := stock.ProductCode
		journal.undo = append(journal.undo, func() {
			if existed {
				s.stock[code] = previous
			} else {
				delete(s.stock, code)
			}
		})
	}
	return nil
}

// GetStock implements StockStore.
func (s *MemoryStore) GetStock(ctx context.Context, productCode string) (*Stock, error) {
	_, unlock := s.enter(ctx)
	defer unlock()

	stock, ok := s.stock[productCode]
	if !ok {
		return nil, ErrStockNotFound
	}
	cp := *stock
	return &cp, nil
}

// UpdateStock implements StockStore.
func (s *MemoryStore) UpdateStock(ctx context.Context, stock *Stock) error {
	journal, unlock := s.enter(ctx)
	defer unlock()

	stored, ok := s.stock[stock.ProductCode]
	if !ok {
		return ErrStockNotFound
	}
	if stored.Version != stock.Version {
		return ErrConcurrencyConflict
	}

	previous := stored
	cp := *stock
	cp.Version++
	s.stock[stock.ProductCode] = &cp
	stock.Version = cp.Version

	if journal != nil {
		code := stock.ProductCode
		journal.undo = append(journal.undo, func() { s.stock[code] = previous })
	}
	return nil
}

// AddReservation implements ReservationStore.
func (s *MemoryStore) AddReservation(ctx context.Context, res *Reservation) error {
	journal, unlock := s.enter(ctx)
	defer unlock()

	if _, exists := s.reservations[res.ID]; exists {
		return fmt.Errorf("reservation %s already exists", res.ID)
	}
	cp := *res
	s.reservations[res.ID] = &cp
	s.orderReservations[res.OrderID] = append(s.orderReservations[res.OrderID], res.ID)

	if journal != nil {
		id, orderID := res.ID, res.OrderID
		journal.undo = append(journal.undo, func() {
			delete(s.reservations, id)
			ids := s.orderReservations[orderID]
			s.orderReservations[orderID] = ids[:len(ids)-1]
		})
	}
	return nil
}

// ReservationsForOrder implements ReservationStore.
func (s *MemoryStore) ReservationsForOrder(ctx context.Context, orderID uuid.UUID) ([]*Reservation, error) {
	_, unlock := s.enter(ctx)
	defer unlock()

	ids := s.orderReservations[orderID]
	out := make([]*Reservation, 0, len(ids))
	for _, id := range ids {
		cp := *s.reservations[id]
		out = append(out, &cp)
	}
	return out, nil
}

// ReleaseReservation implements ReservationStore.
func (s *MemoryStore) ReleaseReservation(ctx context.Context, id uuid.UUID) (bool, error) {
	journal, unlock := s.enter(ctx)
	defer unlock()

	res, ok := s.reservations[id]
	if !ok {
		return false, fmt.Errorf("reservation %s not found", id)
	}
	if res.Status == ReservationReleased {
		return false, nil
	}
	res.Status = ReservationReleased

	if journal != nil {
		journal.undo = append(journal.undo, func() { res.Status = ReservationHeld })
	}
	return true, nil
}

// AppendEvent implements OutboxStore.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *OutboxEvent) error {
	journal, unlock := s.enter(ctx)
	defer unlock()

	if _, exists := s.eventSeq[event.ID]; exists {
		return fmt.Errorf("outbox event %s already exists", event.ID)
	}
	s.seq++
	seq := s.seq
	cp := *event
	cp.Payload = append([]byte(nil), event.Payload...)
	s.outbox.Set(seq, &cp)
	s.eventSeq[event.ID] = seq

	if journal != nil {
		id := event.ID
		journal.undo = append(journal.undo, func() {
			s.outbox.Delete(seq)
			delete(s.eventSeq, id)
		})
	}
	return nil
}

// ListUnprocessed implements OutboxStore.
func (s *MemoryStore) ListUnprocessed(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	_, unlock := s.enter(ctx)
	defer unlock()

	var out []*OutboxEvent
	s.outbox.Scan(func(_ uint64, event *OutboxEvent) bool {
		if event.Processed || event.Poison {
			return true
		}
		cp := *event
		cp.Payload = append([]byte(nil), event.Payload...)
		out = append(out, &cp)
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

// MarkProcessed implements OutboxStore.
func (s *MemoryStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, unlock := s.enter(ctx)
	defer unlock()

	event, err := s.eventLocked(id)
	if err != nil {
		return err
	}
	event.Processed = true
	return nil
}

// RecordDispatchFailure implements OutboxStore.
func (s *MemoryStore) RecordDispatchFailure(ctx context.Context, id uuid.UUID, cause string) (int, error) {
	_, unlock := s.enter(ctx)
	defer unlock()

	event, err := s.eventLocked(id)
	if err != nil {
		return 0, err
	}
	event.Attempts++
	event.LastError = cause
	return event.Attempts, nil
}

// MarkPoison implements OutboxStore.
func (s *MemoryStore) MarkPoison(ctx context.Context, id uuid.UUID) error {
	_, unlock := s.enter(ctx)
	defer unlock()

	event, err := s.eventLocked(id)
	if err != nil {
		return err
	}
	event.Poison = true
	return nil
}

// Event returns a copy of an outbox event by id, mainly for tests and
// inspection.
func (s *MemoryStore) Event(id uuid.UUID) (*OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, err := s.eventLocked(id)
	if err != nil {
		return nil, err
	}
	cp := *event
	cp.Payload = append([]byte(nil), event.Payload...)
	return &cp, nil
}

// Events returns copies of all outbox events in append order.
func (s *MemoryStore) Events() []*OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*OutboxEvent
	s.outbox.Scan(func(_ uint64, event *OutboxEvent) bool {
		cp := *event
		cp.Payload = append([]byte(nil), event.Payload...)
		out = append(out, &cp)
		return true
	})
	return out
}

func (s *MemoryStore) eventLocked(id uuid.UUID) (*OutboxEvent, error) {
	seq, ok := s.eventSeq[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	event, _ := s.outbox.Get(seq)
	return event, nil
}

var _ Store = (*MemoryStore)(nil)
