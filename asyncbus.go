package corebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/corebus/corelog"
	"github.com/GoCodeAlone/corebus/coreevents"
	"github.com/GoCodeAlone/corebus/coremetrics"
)

// AsyncConfig configures an AsyncBus.
type AsyncConfig struct {
	// WorkerCount is the size of the fixed worker pool that fans out
	// matched subscriber invocations. Values below 1 are replaced by 1.
	WorkerCount int

	// Coalesce, when true, collapses multiple in-flight publications of
	// the same tag into a single delivery carrying the most recent value.
	Coalesce bool

	// DrainPollInterval bounds how long the drainer blocks waiting for a
	// new queue entry before re-checking for shutdown. Defaults to 100ms.
	DrainPollInterval time.Duration

	// ShutdownGrace bounds how long Shutdown waits for the drainer and
	// worker pool to drain in-flight work before returning
	// ErrShutdownTimeout. Defaults to 5s.
	ShutdownGrace time.Duration

	// Metrics and Events are optional telemetry sinks. Either may be nil.
	Metrics *coremetrics.Metrics
	Events *coreevents.Subject
}

func (c AsyncConfig) withDefaults() AsyncConfig {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.DrainPollInterval <= 0 {
		c.DrainPollInterval = 100 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// queueEntry is an (event, enqueue timestamp) pair.
type queueEntry struct {
	event      Event
	enqueuedAt time.Time
}

// queueItem is what actually rides the async bus's FIFO. In non-coalescing
// mode it carries the full entry. In coalescing mode it carries only the
// tag; the drainer looks the real payload up in coalesceState.latest,
// which always holds whatever value was most recently published for that
// tag by the time the drainer gets to it.
type queueItem struct {
	entry       queueEntry
	coalesceTag Tag
	coalescing  bool
}

// fifoQueue is an unbounded, mutex-guarded FIFO with a bounded-wait pop, so
// the drainer goroutine can remain shutdown-responsive without polling a
// channel of a fixed, producer-blocking size.
type fifoQueue struct {
	mu     sync.Mutex
	items  []queueItem
	notify chan struct{}
}

func newFIFOQueue() *fifoQueue {
	return &fifoQueue{notify: make(chan struct{}, 1)}
}

func (q *fifoQueue) push(item queueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the oldest item, or false if the queue was empty after
// waiting up to timeout for a push.
func (q *fifoQueue) pop(timeout time.Duration) (queueItem, bool) {
	q.mu.Lock()
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return item, true
	}
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.notify:
	case <-timer.C:
		return queueItem{}, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *fifoQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// coalesceState holds the (latest, queued) pair behind one mutex: with a
// single mutex serializing every publish and every drainer consumption of
// a given tag, there is never more than one writer in the critical
// section, so no store-ordering trick is needed to keep "tag is queued iff
// a queue slot for tag exists" true.
type coalesceState struct {
	mu     sync.Mutex
	latest map[Tag]queueEntry
	queued map[Tag]bool
}

func newCoalesceState() *coalesceState {
	return &coalesceState{latest: make(map[Tag]queueEntry), queued: make(map[Tag]bool)}
}

// publish records entry as the latest value for its tag and reports
// whether a new queue slot must be produced (first writer for this tag
// since the last drain).
func (c *coalesceState) publish(entry queueEntry) (needsSlot bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[entry.event.Tag] = entry
	if c.queued[entry.event.Tag] {
		return false
	}
	c.queued[entry.event.Tag] = true
	return true
}

// take removes and returns the latest entry for tag, releasing its queue
// slot. Called by the drainer immediately before dispatching.
func (c *coalesceState) take(tag Tag) (queueEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.latest[tag]
	delete(c.latest, tag)
	delete(c.queued, tag)
	return entry, ok
}

// AsyncBus enqueues publications and fans them out to a worker pool from a
// single drainer goroutine, optionally coalescing same-tag publications.
// A matched dispatch that finds the worker pool saturated is dropped, not
// queued: WorkerCount bounds concurrent handler invocations, not the
// number of handler invocations AsyncBus will eventually make.
type AsyncBus struct {
	registry *Registry
	logger   corelog.Logger
	config   AsyncConfig

	queue     *fifoQueue
	coalesce  *coalesceState
	workQueue chan func()

	wg        sync.WaitGroup
	shutdown  chan struct{}
	closeOnce sync.Once
	started   startFlag
}

// startFlag is a tiny mutex-guarded started/stopped flag.
type startFlag struct {
	mu      sync.RWMutex
	started bool
}

func (a *startFlag) set(v bool) {
	a.mu.Lock()
	a.started = v
	a.mu.Unlock()
}

func (a *startFlag) get() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.started
}

// NewAsyncBus creates and starts an AsyncBus dispatching against registry.
// The drainer goroutine and config.WorkerCount worker goroutines are
// running by the time NewAsyncBus returns.
func NewAsyncBus(registry *Registry, logger corelog.Logger, config AsyncConfig) *AsyncBus {
	if logger == nil {
		logger = corelog.NopLogger{}
	}
	config = config.withDefaults()

	b := &AsyncBus{
		registry:  registry,
		logger:    logger,
		config:    config,
		queue:     newFIFOQueue(),
		workQueue: make(chan func(), config.WorkerCount),
		shutdown:  make(chan struct{}),
	}
	if config.Coalesce {
		b.coalesce = newCoalesceState()
	}

	for i := 0; i < config.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.wg.Add(1)
	go b.drain()

	b.started.set(true)
	coreevents.Emit(config.Events, context.Background(), coreevents.EventTypeBusStarted, map[string]any{"bus": "async", "workers": config.WorkerCount})
	return b
}

// Hierarchy exposes the underlying Registry's Hierarchy for convenience.
func (b *AsyncBus) Hierarchy() *Hierarchy {
	return b.registry.Hierarchy()
}

// AddUniversal registers sub against every event regardless of tag.
func (b *AsyncBus) AddUniversal(classTag Tag, sub Subscriber) error {
	_ = classTag
	if err := b.registry.AddUniversal(sub); err != nil {
		return err
	}
	b.config.Metrics.RecordSubscription()
	return nil
}

// AddTyped registers sub for events whose tag equals, or descends from,
// tag.
func (b *AsyncBus) AddTyped(tag Tag, sub Subscriber) error {
	if err := b.registry.AddTyped(tag, sub); err != nil {
		return err
	}
	b.config.Metrics.RecordSubscription()
	return nil
}

// Publish enqueues event for asynchronous dispatch. Non-coalescing
// publishes never block (the queue is unbounded); coalescing publishes
// only enqueue a new slot for tags not already queued, mutating the
// latest-value map otherwise. An absent event, or a publish
// after Shutdown, is a silent no-op.
func (b *AsyncBus) Publish(ctx context.Context, event Event) {
	if event.IsAbsent() || !b.started.get() {
		return
	}
	b.config.Metrics.RecordPublish("async")
	coreevents.Emit(b.config.Events, ctx, coreevents.EventTypeEventDispatched, map[string]any{"tag": string(event.Tag), "bus": "async"})

	event.CreatedAt = time.Now()
	entry := queueEntry{event: event, enqueuedAt: event.CreatedAt}

	if b.coalesce == nil {
		b.queue.push(queueItem{entry: entry})
		b.config.Metrics.SetAsyncQueueDepth(b.queue.len())
		return
	}
	if b.coalesce.publish(entry) {
		b.queue.push(queueItem{coalesceTag: event.Tag, coalescing: true})
		b.config.Metrics.SetAsyncQueueDepth(b.queue.len())
	} else {
		b.config.Metrics.RecordCoalesced()
		coreevents.Emit(b.config.Events, ctx, coreevents.EventTypeEventCoalesced, map[string]any{"tag": string(event.Tag)})
	}
}

func (b *AsyncBus) drain() {
	defer b.wg.Done()
	for {
		select {
		case <-b.shutdown:
			return
		default:
		}

		item, ok := b.queue.pop(b.config.DrainPollInterval)
		if !ok {
			continue
		}

		var dispatchEntry queueEntry
		if item.coalescing {
			entry, found := b.coalesce.take(item.coalesceTag)
			if !found {
				continue // no latest entry recorded for this tag; nothing to do
			}
			dispatchEntry = entry
		} else {
			dispatchEntry = item.entry
		}

		b.config.Metrics.SetAsyncQueueDepth(b.queue.len())

		event := dispatchEntry.event
		b.registry.dispatch(event, func(sub Subscriber) {
			b.submit(sub, event)
		})
	}
}

func (b *AsyncBus) submit(sub Subscriber, event Event) {
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("async subscriber handler panicked", "tag", event.Tag, "panic", fmt.Sprint(r))
			}
		}()
		if err := sub.Handle(context.Background(), event); err != nil {
			b.logger.Error("async subscriber handler failed", "tag", event.Tag, "error", err)
		}
	}

	select {
	case b.workQueue <- task:
	default:
		b.logger.Warn("worker pool full, dropping async dispatch", "tag", event.Tag)
		b.config.Metrics.RecordDropped()
		coreevents.Emit(b.config.Events, context.Background(), coreevents.EventTypeEventDropped, map[string]any{"tag": string(event.Tag)})
	}
}

func (b *AsyncBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.shutdown:
			return
		case task := <-b.workQueue:
			task()
		}
	}
}

// Shutdown stops accepting new publications and waits (bounded by
// config.ShutdownGrace) for the drainer and worker pool to exit. Already
// in-flight handler invocations are allowed to finish; nothing is
// forcibly cancelled. Idempotent.
func (b *AsyncBus) Shutdown(ctx context.Context) error {
	b.started.set(false)
	b.closeOnce.Do(func() { close(b.shutdown) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(b.config.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		coreevents.Emit(b.config.Events, context.Background(), coreevents.EventTypeBusStopped, map[string]any{"bus": "async"})
		return nil
	case <-ctx.Done():
		coreevents.Emit(b.config.Events, context.Background(), coreevents.EventTypeBusShutdown, map[string]any{"bus": "async"})
		return ErrShutdownTimeout
	case <-grace.C:
		coreevents.Emit(b.config.Events, context.Background(), coreevents.EventTypeBusShutdown, map[string]any{"bus": "async"})
		return ErrShutdownTimeout
	}
}
