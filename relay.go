package fulfillment

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultWorkers      = 4
	defaultQueueDepth   = 16
	defaultMaxAttempts  = 5
)

// RelayConfig defines how the relay polls the outbox and dispatches events.
type RelayConfig struct {
	// PollInterval is the delay between outbox scans.
	PollInterval time.Duration
	// BatchSize caps the events fetched per scan.
	BatchSize int
	// Workers is the size of the dispatch pool. Events are partitioned onto
	// workers by aggregate id, so events for one aggregate are always
	// dispatched in append order.
	Workers int
	// QueueDepth is each worker's queue capacity. A full queue leaves the
	// event unprocessed in the outbox until a later scan.
	QueueDepth int
	// MaxAttempts caps redelivery. An event failing this many times is
	// marked poison and excluded from further automatic retry.
	MaxAttempts int
	// HandlerTimeout budgets a single dispatch. Zero means no budget.
	HandlerTimeout time.Duration
	Clock          Clock
	Logger         *zap.Logger
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// RelayOption configures relay behavior.
type RelayOption func(*RelayConfig)

// WithPollInterval sets the delay between outbox scans.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) { c.PollInterval = interval }
}

// WithBatchSize sets the number of events fetched per scan.
func WithBatchSize(size int) RelayOption {
	return func(c *RelayConfig) { c.BatchSize = size }
}

// WithWorkers sets the dispatch pool size.
func WithWorkers(count int) RelayOption {
	return func(c *RelayConfig) { c.Workers = count }
}

// WithQueueDepth sets each worker's queue capacity.
func WithQueueDepth(depth int) RelayOption {
	return func(c *RelayConfig) { c.QueueDepth = depth }
}

// WithMaxAttempts sets the redelivery cap before an event is poisoned.
func WithMaxAttempts(attempts int) RelayOption {
	return func(c *RelayConfig) { c.MaxAttempts = attempts }
}

// WithHandlerTimeout sets a per-dispatch timeout.
func WithHandlerTimeout(timeout time.Duration) RelayOption {
	return func(c *RelayConfig) { c.HandlerTimeout = timeout }
}

// WithRelayClock sets the relay clock.
func WithRelayClock(clock Clock) RelayOption {
	return func(c *RelayConfig) { c.Clock = clock }
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger *zap.Logger) RelayOption {
	return func(c *RelayConfig) { c.Logger = logger }
}

// Relay periodically scans the outbox for unprocessed events and dispatches
// them to the registered handler for their type. Delivery is at-least-once:
// an event is marked processed only after its handler returns success, so a
// crash mid-dispatch means redelivery, never loss.
//
// Run exactly one relay per outbox. Per-event ordering relies on a single
// scanner partitioning work by aggregate id.
type Relay struct {
	outbox   OutboxStore
	registry *HandlerRegistry
	cfg      RelayConfig

	queues   []chan *OutboxEvent
	inFlight *xsync.MapOf[uuid.UUID, struct{}]

	mu       sync.Mutex
	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRelay constructs a relay with defaults and optional settings.
func NewRelay(outbox OutboxStore, registry *HandlerRegistry, opts ...RelayOption) *Relay {
	if outbox == nil {
		panic("fulfillment: nil OutboxStore")
	}
	if registry == nil {
		panic("fulfillment: nil HandlerRegistry")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Relay{
		outbox:   outbox,
		registry: registry,
		cfg:      cfg,
		inFlight: xsync.NewMapOf[uuid.UUID, struct{}](),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker pool and the polling loop. The relay runs until
// Stop is called or ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("relay already started")
	}
	r.started = true

	r.queues = make([]chan *OutboxEvent, r.cfg.Workers)
	for i := range r.queues {
		queue := make(chan *OutboxEvent, r.cfg.QueueDepth)
		r.queues[i] = queue
		r.wg.Add(1)
		go r.worker(ctx, queue)
	}

	r.wg.Add(1)
	go r.pollLoop(ctx)

	r.cfg.Logger.Info("outbox relay started",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("workers", r.cfg.Workers))
	return nil
}

// Stop halts polling and waits for in-flight dispatches to finish. Queued
// events that were not dispatched remain unprocessed in the outbox.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
	r.cfg.Logger.Info("outbox relay stopped")
}

func (r *Relay) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll scans the outbox once and enqueues fresh events onto their partition.
func (r *Relay) poll(ctx context.Context) {
	events, err := r.outbox.ListUnprocessed(ctx, r.cfg.BatchSize)
	if err != nil {
		r.cfg.Logger.Error("outbox scan failed", zap.Error(err))
		return
	}

	blocked := make(map[int]bool)
	for _, event := range events {
		part := r.partition(event.AggregateID)
		if blocked[part] {
			continue
		}
		if _, loaded := r.inFlight.LoadOrStore(event.ID, struct{}{}); loaded {
			continue
		}
		select {
		case r.queues[part] <- event:
		default:
			// Saturated worker: the event stays unprocessed and is picked
			// up again on a later scan. The rest of the partition sits out
			// this scan too; a later event must not overtake the one left
			// behind.
			r.inFlight.Delete(event.ID)
			blocked[part] = true
		}
	}
}

func (r *Relay) worker(ctx context.Context, queue <-chan *OutboxEvent) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case event := <-queue:
			r.dispatch(ctx, event)
		}
	}
}

// dispatch delivers one event to its handler and records the outcome.
func (r *Relay) dispatch(ctx context.Context, event *OutboxEvent) {
	defer r.inFlight.Delete(event.ID)

	handler, ok := r.registry.Get(event.EventType)
	if !ok {
		r.recordFailure(ctx, event, fmt.Errorf("no handler registered"))
		return
	}

	handleCtx := ctx
	cancel := func() {}
	if r.cfg.HandlerTimeout > 0 {
		handleCtx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	}
	err := handler.Handle(handleCtx, event)
	cancel()

	if err != nil {
		r.recordFailure(ctx, event, err)
		return
	}
	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		// The handler side effects are committed; redelivery is safe
		// because handlers are idempotent.
		r.cfg.Logger.Error("mark processed failed",
			zap.String("event_id", event.ID.String()), zap.Error(err))
	}
}

// recordFailure counts a failed delivery and poisons the event once it
// exhausts the redelivery budget.
func (r *Relay) recordFailure(ctx context.Context, event *OutboxEvent, cause error) {
	dispatchErr := &DispatchError{EventType: event.EventType, Err: cause}
	attempts, err := r.outbox.RecordDispatchFailure(ctx, event.ID, dispatchErr.Error())
	if err != nil {
		r.cfg.Logger.Error("record dispatch failure failed",
			zap.String("event_id", event.ID.String()), zap.Error(err))
		return
	}

	if attempts >= r.cfg.MaxAttempts {
		if err := r.outbox.MarkPoison(ctx, event.ID); err != nil {
			r.cfg.Logger.Error("mark poison failed",
				zap.String("event_id", event.ID.String()), zap.Error(err))
			return
		}
		r.cfg.Logger.Error("event poisoned after redelivery budget",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.Int("attempts", attempts),
			zap.Error(cause))
		return
	}

	r.cfg.Logger.Warn("event dispatch failed, will retry",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", event.EventType),
		zap.Int("attempts", attempts),
		zap.Error(cause))
}

// Tick scans the outbox once and dispatches every fresh event inline,
// bypassing the worker pool. It is useful for tests and for draining an
// outbox without a running relay. Events are dispatched in append order.
func (r *Relay) Tick(ctx context.Context) (int, error) {
	events, err := r.outbox.ListUnprocessed(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, event := range events {
		if _, loaded := r.inFlight.LoadOrStore(event.ID, struct{}{}); loaded {
			continue
		}
		r.dispatch(ctx, event)
		dispatched++
	}
	return dispatched, nil
}

// partition maps an aggregate id to a worker index.
func (r *Relay) partition(aggregateID uuid.UUID) int {
	h := fnv.New32a()
	h.Write(aggregateID[:])
	return int(h.Sum32() % uint32(len(r.queues)))
}
