package replica

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/boardsync/internal/telemetry"
)

// Store is the authoritative persistent store collaborator. Writes are
// idempotent on client-supplied ids, so a replayed push never duplicates.
type Store interface {
	ApplyEvent(ctx context.Context, event Event) error
}

// Sync queue retry policy.
const (
	SyncMaxRetries   = 3
	SyncBaseDelay    = time.Second
	DefaultQueueSize = 256
)

// syncRecord is one queued push with its retry bookkeeping.
type syncRecord struct {
	event       Event
	attempt     int
	nextRetryAt time.Time
}

// SyncQueueOptions configures the background sync queue.
type SyncQueueOptions struct {
	// Replicated gates the queue entirely; a local-only session enqueues
	// nothing and pushes nothing.
	Replicated bool
	QueueSize  int
	Logger     *log.Logger
	Clock      func() time.Time
	Metrics    *telemetry.Metrics
}

// SyncQueue propagates locally-applied optimistic mutations to the
// authoritative store without blocking the caller. Delivery is at-least-once
// with bounded retry; after the final retry the operation is dropped with a
// log line and local state stands. Only locally originated mutations are
// accepted; pushing remote-origin events upstream would have every replica
// re-push every other replica's writes.
type SyncQueue struct {
	store      Store
	replicated bool
	logger     *log.Logger
	clock      func() time.Time
	metrics    *telemetry.Metrics

	work   chan syncRecord
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewSyncQueue constructs a new value for this package.
func NewSyncQueue(store Store, opts SyncQueueOptions) *SyncQueue {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &SyncQueue{
		store:      store,
		replicated: opts.Replicated,
		logger:     opts.Logger,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		work:       make(chan syncRecord, opts.QueueSize),
	}
}

// Start launches the consumer goroutine. It is a no-op when the session is
// not replicated.
func (q *SyncQueue) Start(ctx context.Context) {
	if q == nil || !q.replicated || q.store == nil {
		return
	}
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go q.consume(runCtx)
}

// Close stops the consumer and waits for the in-flight push to finish.
// Queued records that never ran are abandoned, matching the no-durable-outbox
// policy.
func (q *SyncQueue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue accepts one locally originated event for background push. It never
// blocks: a full queue drops the oldest-pending behavior in favor of
// dropping the new operation with a log line.
func (q *SyncQueue) Enqueue(event Event, origin Origin) {
	if q == nil || !q.replicated || q.store == nil || event == nil {
		return
	}
	if origin != OriginLocal {
		q.logger.Warn("sync queue refused remote-origin event", "kind", event.Kind())
		return
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	select {
	case q.work <- syncRecord{event: event}:
	default:
		q.logger.Error("sync queue full, dropping operation", "kind", event.Kind())
		q.metrics.SyncDropped()
	}
}

// consume is the single worker. One record is in flight at a time, so fresh
// pushes reach the store in enqueue order; a failed record rejoins the back
// of the queue with its retry deadline.
func (q *SyncQueue) consume(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-q.work:
			if !q.waitUntil(ctx, record.nextRetryAt) {
				return
			}
			err := q.store.ApplyEvent(ctx, record.event)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			record.attempt++
			if record.attempt > SyncMaxRetries {
				q.logger.Error("sync push dropped after retries",
					"kind", record.event.Kind(), "attempts", record.attempt, "err", err)
				q.metrics.SyncDropped()
				continue
			}
			delay := SyncBaseDelay << (record.attempt - 1)
			record.nextRetryAt = q.clock().Add(delay)
			q.logger.Warn("sync push failed, scheduling retry",
				"kind", record.event.Kind(), "attempt", record.attempt, "retry_in", delay, "err", err)
			q.metrics.SyncRetried()
			select {
			case q.work <- record:
			default:
				q.logger.Error("sync queue full, dropping retry", "kind", record.event.Kind())
				q.metrics.SyncDropped()
			}
		}
	}
}

// waitUntil sleeps until the record is due or the context ends.
func (q *SyncQueue) waitUntil(ctx context.Context, due time.Time) bool {
	if due.IsZero() {
		return true
	}
	wait := due.Sub(q.clock())
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
