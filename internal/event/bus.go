package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/planloop/internal/logging"
)

// Handler receives events. The same type serves every event; handlers
// switch on Event.Type when subscribed with SubscribeAll.
type Handler func(Event)

// Option configures a subscription.
type Option func(*subscription)

// WithInstanceFilter restricts delivery to events whose InstanceID equals id.
func WithInstanceFilter(id string) Option {
	return func(s *subscription) { s.instanceFilter = id }
}

// Blocking marks a handler that may block (disk, network, sleeping). Such
// handlers are queued for the bus's fixed set of blocking workers instead of
// running inline on the dispatching goroutine. Dispatch never waits for a
// worker: when the blocking queue is full the delivery is dropped and logged.
func Blocking() Option {
	return func(s *subscription) { s.blocking = true }
}

type subscription struct {
	id             string
	eventType      Type
	handler        Handler
	instanceFilter string
	blocking       bool
}

func (s subscription) accepts(e Event) bool {
	return s.instanceFilter == "" || s.instanceFilter == e.InstanceID
}

// Config tunes a Bus.
type Config struct {
	// QueueSize bounds the EmitQueued buffer and, separately, the backlog of
	// Blocking() deliveries waiting for a worker.
	QueueSize int
	// BlockingWorkers is the number of goroutines serving Blocking() handlers.
	BlockingWorkers int
	// StopTimeout bounds how long Stop waits for the dispatch goroutine and,
	// separately, for the blocking workers.
	StopTimeout time.Duration
}

// DefaultConfig mirrors the events.* config defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 1024, BlockingWorkers: 4, StopTimeout: 5 * time.Second}
}

// Bus is an in-process pub-sub event bus with two delivery paths:
//
//   - Emit dispatches on the caller's goroutine before returning.
//   - EmitQueued may be called from any goroutine; events go through a
//     bounded queue drained by a single dispatch goroutine (see Start).
//
// Order is FIFO within each path. There is no ordering between the paths.
type Bus struct {
	cfg    Config
	logger *logging.Logger

	mu     sync.RWMutex
	subs   map[Type][]subscription
	nextID atomic.Uint64

	queue chan Event

	lifeMu  sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	workerMu sync.Mutex
	workers  *workerSet
}

type blockingJob struct {
	sub subscription
	e   Event
}

// workerSet is one generation of blocking workers. Stop retires it; the next
// Blocking() delivery starts a fresh one.
type workerSet struct {
	jobs chan blockingJob
	pool *pool.Pool
}

// NewBus creates a bus. A nil logger discards handler failure reports.
func NewBus(cfg Config, logger *logging.Logger) *Bus {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BlockingWorkers <= 0 {
		cfg.BlockingWorkers = def.BlockingWorkers
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	b := &Bus{
		cfg:    cfg,
		logger: logging.OrNop(logger).WithComponent("event"),
		subs:   make(map[Type][]subscription),
		queue:  make(chan Event, cfg.QueueSize),
	}
	return b
}

func (b *Bus) startWorkers() *workerSet {
	w := &workerSet{
		jobs: make(chan blockingJob, b.cfg.QueueSize),
		pool: pool.New().WithMaxGoroutines(b.cfg.BlockingWorkers),
	}
	for range b.cfg.BlockingWorkers {
		w.pool.Go(func() {
			for job := range w.jobs {
				b.safeCall(job.sub, job.e)
			}
		})
	}
	return w
}

// Subscribe registers handler for one event type and returns a handle for
// Unsubscribe. Handlers for the same type run in registration order.
func (b *Bus) Subscribe(t Type, handler Handler, opts ...Option) string {
	sub := subscription{
		id:        fmt.Sprintf("sub-%d", b.nextID.Add(1)),
		eventType: t,
		handler:   handler,
	}
	for _, opt := range opts {
		opt(&sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], sub)
	return sub.id
}

// SubscribeAll registers handler for every event type. Wildcard handlers run
// after the type-specific ones.
func (b *Bus) SubscribeAll(handler Handler, opts ...Option) string {
	return b.Subscribe(wildcard, handler, opts...)
}

// Unsubscribe removes a subscription. It reports whether id was found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subs {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			remaining := make([]subscription, 0, len(subs)-1)
			remaining = append(remaining, subs[:i]...)
			b.subs[t] = append(remaining, subs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit builds an event and dispatches it before returning. Blocking()
// handlers are handed to the workers and may still be pending or running.
func (b *Bus) Emit(t Type, data map[string]any, instanceID string) Event {
	e := New(t, data, instanceID)
	b.dispatch(e)
	return e
}

// EmitQueued builds an event and enqueues it for the dispatch goroutine.
// Events queued before Start wait until it runs. It returns false when the
// bus has been stopped or the queue is full.
func (b *Bus) EmitQueued(t Type, data map[string]any, instanceID string) bool {
	b.lifeMu.RLock()
	defer b.lifeMu.RUnlock()
	if b.stopped {
		return false
	}

	select {
	case b.queue <- New(t, data, instanceID):
		return true
	default:
		b.logger.Warn("event queue full, dropping event", "type", string(t), "capacity", cap(b.queue))
		return false
	}
}

// Start launches the dispatch goroutine. It is a no-op if already started
// or stopped. Cancelling ctx has the same effect on the loop as Stop, minus
// the join.
func (b *Bus) Start(ctx context.Context) {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.started || b.stopped {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.started = true
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx, b.done)
}

func (b *Bus) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			b.drainQueue()
			return
		case e := <-b.queue:
			b.dispatch(e)
		}
	}
}

func (b *Bus) drainQueue() {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		default:
			return
		}
	}
}

// Stop rejects further EmitQueued calls, stops the dispatch goroutine after
// it drains what is queued, and waits for Blocking() handlers to finish the
// backlog. Each wait is bounded by Config.StopTimeout. Stop is idempotent.
func (b *Bus) Stop() {
	b.lifeMu.Lock()
	if b.stopped {
		b.lifeMu.Unlock()
		return
	}
	b.stopped = true
	cancel, done := b.cancel, b.done
	b.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(b.cfg.StopTimeout):
			b.logger.Warn("event dispatch loop did not stop in time", "timeout", b.cfg.StopTimeout.String())
		}
	} else {
		// Never started: deliver what producers already queued.
		b.drainQueue()
	}

	b.waitWorkers()
}

// waitWorkers retires the current worker set and waits, up to StopTimeout,
// for it to work off its backlog. A later Blocking() delivery from direct
// Emit starts a new set.
func (b *Bus) waitWorkers() {
	b.workerMu.Lock()
	w := b.workers
	b.workers = nil
	b.workerMu.Unlock()
	if w == nil {
		return
	}

	close(w.jobs)
	done := make(chan struct{})
	go func() {
		w.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.StopTimeout):
		b.logger.Warn("blocking event handlers did not finish in time",
			"timeout", b.cfg.StopTimeout.String(),
			"pending", len(w.jobs),
		)
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	specific := b.subs[e.Type]
	wild := b.subs[wildcard]
	targets := make([]subscription, 0, len(specific)+len(wild))
	targets = append(targets, specific...)
	targets = append(targets, wild...)
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.accepts(e) {
			continue
		}
		if sub.blocking {
			b.offload(sub, e)
			continue
		}
		b.safeCall(sub, e)
	}
}

// offload queues a blocking handler for the workers. It never waits: a full
// backlog drops the delivery, so a handler that emits from a worker cannot
// deadlock against its own pool.
func (b *Bus) offload(sub subscription, e Event) {
	b.workerMu.Lock()
	defer b.workerMu.Unlock()
	if b.workers == nil {
		b.workers = b.startWorkers()
	}

	select {
	case b.workers.jobs <- blockingJob{sub: sub, e: e}:
	default:
		b.logger.Warn("blocking handler backlog full, dropping delivery",
			"type", string(e.Type),
			"subscription", sub.id,
			"capacity", cap(b.workers.jobs),
		)
	}
}

// safeCall invokes a handler and recovers from any panic so one misbehaving
// subscriber cannot stop delivery to the rest.
func (b *Bus) safeCall(sub subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"type", string(e.Type),
				"subscription", sub.id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.handler(e)
}

// SubscriberCount returns the number of subscriptions for t, not counting
// wildcard subscriptions.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// TotalSubscribers returns the number of active subscriptions of any type.
func (b *Bus) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Type][]subscription)
}

// Emitter is the producer side of the bus. Components that only publish
// (monitor, runner, orchestrator) depend on this rather than *Bus.
type Emitter interface {
	Emit(t Type, data map[string]any, instanceID string) Event
	EmitQueued(t Type, data map[string]any, instanceID string) bool
}

var _ Emitter = (*Bus)(nil)
