// Package busadapter wraps a corebus.Bus behind a throttle.Throttler,
// buffering publications the throttler denies and draining them as
// capacity reopens.
package busadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/corebus"
	"github.com/GoCodeAlone/corebus/corelog"
	"github.com/GoCodeAlone/corebus/coreevents"
	"github.com/GoCodeAlone/corebus/coremetrics"
	"github.com/GoCodeAlone/corebus/throttle"
)

// ErrShutdownTimeout is returned by Shutdown if the drainer does not join
// within its grace period. The adapter still flushes pending events
// directly to the wrapped bus before returning it.
var ErrShutdownTimeout = corebus.ErrShutdownTimeout

// Config configures a ThrottledBus.
type Config struct {
	// DrainPollInterval bounds how long the drainer blocks waiting for a
	// pending event before re-checking for shutdown. Defaults to 100ms.
	DrainPollInterval time.Duration

	// BackoffInterval is how long the drainer waits after a denied
	// shouldProceed before retrying, so a missed wakeup callback cannot
	// wedge the drainer in a busy loop. Defaults to 50ms.
	BackoffInterval time.Duration

	// JoinTimeout bounds how long Shutdown waits for the drainer goroutine
	// to exit before giving up and flushing inline anyway. Defaults to 1s.
	JoinTimeout time.Duration

	Logger corelog.Logger

	// Metrics and Events are optional telemetry sinks. Either may be nil.
	Metrics *coremetrics.Metrics
	Events *coreevents.Subject
}

func (c Config) withDefaults() Config {
	if c.DrainPollInterval <= 0 {
		c.DrainPollInterval = 100 * time.Millisecond
	}
	if c.BackoffInterval <= 0 {
		c.BackoffInterval = 50 * time.Millisecond
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = corelog.NopLogger{}
	}
	return c
}

// pendingQueue is the adapter's FIFO of events the throttler has denied, in
// the shape fifoQueue takes inside corebus's AsyncBus: mutex-guarded with a
// bounded-wait pop so the drainer stays shutdown-responsive.
type pendingQueue struct {
	mu     sync.Mutex
	items  []corebus.Event
	notify chan struct{}
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{notify: make(chan struct{}, 1)}
}

func (q *pendingQueue) push(event corebus.Event) {
	q.mu.Lock()
	q.items = append(q.items, event)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pushFront re-queues event at the head, used when the drainer pops an
// event but the throttler denies it a second time between pop and forward.
func (q *pendingQueue) pushFront(event corebus.Event) {
	q.mu.Lock()
	q.items = append([]corebus.Event{event}, q.items...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *pendingQueue) pop(timeout time.Duration) (corebus.Event, bool) {
	q.mu.Lock()
	if len(q.items) > 0 {
		event := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return event, true
	}
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.notify:
	case <-timer.C:
		return corebus.Event{}, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return corebus.Event{}, false
	}
	event := q.items[0]
	q.items = q.items[1:]
	return event, true
}

func (q *pendingQueue) drainAll() []corebus.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// throttledBase is whichever of corebus.SyncBus or corebus.AsyncBus
// ThrottledBus wraps: anything offering Publish/AddUniversal/AddTyped/
// Hierarchy/Shutdown.
type throttledBase interface {
	Publish(ctx context.Context, event corebus.Event)
	AddUniversal(classTag corebus.Tag, sub corebus.Subscriber) error
	AddTyped(tag corebus.Tag, sub corebus.Subscriber) error
	Hierarchy() *corebus.Hierarchy
	Shutdown(ctx context.Context) error
}

// ThrottledBus composes a wrapped bus behind a throttle.Throttler:
// publications are forwarded immediately when the throttler admits them,
// otherwise buffered in pending and drained as capacity reopens.
type ThrottledBus struct {
	bus       throttledBase
	throttler *throttle.Throttler
	config    Config
	logger    corelog.Logger

	pending *pendingQueue

	running   startFlag
	wakeup    *wakeupCallback
	wg        sync.WaitGroup
	shutdown  chan struct{}
	closeOnce sync.Once
}

// wakeupCallback adapts a's processPendingEvents to throttle.Callback
// behind a pointer type, so throttle.RemoveCallback can match it by
// identity on Shutdown — a bare throttle.CallbackFunc is a func value and
// never comparable that way.
type wakeupCallback struct {
	fn func()
}

func (w *wakeupCallback) OnCanProceed() { w.fn() }

// startFlag is a tiny mutex-guarded started/stopped flag, matching the one
// corebus.AsyncBus uses internally.
type startFlag struct {
	mu      sync.RWMutex
	started bool
}

func (f *startFlag) set(v bool) {
	f.mu.Lock()
	f.started = v
	f.mu.Unlock()
}

func (f *startFlag) get() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.started
}

// New wraps bus behind throttler. The drainer goroutine is running by the
// time New returns. An internal wakeup callback is handed to
// throttler.NotifyWhenCanProceed; if the throttler has capacity at that
// moment it runs once immediately and is not kept, so buffered events are
// then forwarded by the drainer alone.
func New(bus throttledBase, throttler *throttle.Throttler, config Config) *ThrottledBus {
	config = config.withDefaults()

	a := &ThrottledBus{
		bus:       bus,
		throttler: throttler,
		config:    config,
		logger:    config.Logger,
		pending:   newPendingQueue(),
		shutdown:  make(chan struct{}),
	}
	a.wakeup = &wakeupCallback{fn: a.processPendingEvents}
	a.running.set(true)

	a.throttler.NotifyWhenCanProceed(a.wakeup)

	a.wg.Add(1)
	go a.drain()

	return a
}

// Hierarchy exposes the wrapped bus's Hierarchy for convenience.
func (a *ThrottledBus) Hierarchy() *corebus.Hierarchy {
	return a.bus.Hierarchy()
}

// AddUniversal registers sub against every event regardless of tag, on the
// wrapped bus.
func (a *ThrottledBus) AddUniversal(classTag corebus.Tag, sub corebus.Subscriber) error {
	return a.bus.AddUniversal(classTag, sub)
}

// AddTyped registers sub for events whose tag equals, or descends from,
// tag, on the wrapped bus.
func (a *ThrottledBus) AddTyped(tag corebus.Tag, sub corebus.Subscriber) error {
	return a.bus.AddTyped(tag, sub)
}

// Publish admits event immediately if the throttler has capacity,
// otherwise buffers it for the drainer. Discarded silently if the adapter
// is stopped or event carries no payload.
func (a *ThrottledBus) Publish(ctx context.Context, event corebus.Event) {
	if !a.running.get() {
		return
	}
	if event.IsAbsent() {
		return
	}
	if a.throttler.ShouldProceed() == throttle.Proceed {
		a.bus.Publish(ctx, event)
		return
	}
	a.pending.push(event)
	a.config.Metrics.SetAdapterPending(a.pending.len())
	coreevents.Emit(a.config.Events, ctx, coreevents.EventTypeAdapterBuffered, map[string]any{"tag": string(event.Tag)})
}

// PendingEventCount returns the number of events currently buffered,
// waiting for throttler capacity.
func (a *ThrottledBus) PendingEventCount() int {
	return a.pending.len()
}

// drain polls pending with a bounded wait and forwards whatever it
// retrieves once the throttler admits it, backing off briefly on denial so
// a missed wakeup callback can never wedge it in a busy loop.
func (a *ThrottledBus) drain() {
	defer a.wg.Done()
	for {
		select {
		case <-a.shutdown:
			return
		default:
		}

		event, ok := a.pending.pop(a.config.DrainPollInterval)
		if !ok {
			continue
		}
		if a.throttler.ShouldProceed() == throttle.Proceed {
			a.forward(event)
			continue
		}
		a.pending.pushFront(event)
		a.backoff()
	}
}

func (a *ThrottledBus) backoff() {
	timer := time.NewTimer(a.config.BackoffInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-a.shutdown:
	}
}

// processPendingEvents is the throttler's wakeup callback: while pending is
// non-empty and the adapter is running, keep consuming admissions and
// forwarding until one is denied.
func (a *ThrottledBus) processPendingEvents() {
	for a.running.get() && a.pending.len() > 0 {
		if a.throttler.ShouldProceed() != throttle.Proceed {
			return
		}
		event, ok := a.pending.pop(0)
		if !ok {
			return
		}
		a.forward(event)
	}
}

func (a *ThrottledBus) forward(event corebus.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("throttled bus forward panicked", "tag", event.Tag, "panic", fmt.Sprint(r))
		}
	}()
	a.bus.Publish(context.Background(), event)
	a.config.Metrics.SetAdapterPending(a.pending.len())
}

// Shutdown stops accepting new publications, joins the drainer (bounded by
// config.JoinTimeout), then flushes any events still in pending directly
// to the wrapped bus without consulting the throttler — a deliberate
// trade-off favoring delivery over rate fidelity during shutdown. It does
// not shut down the wrapped bus or throttler; callers own those lifecycles
// independently. Idempotent.
func (a *ThrottledBus) Shutdown(ctx context.Context) error {
	a.running.set(false)
	a.closeOnce.Do(func() { close(a.shutdown) })
	a.throttler.RemoveCallback(a.wakeup)

	joined := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(joined)
	}()

	var joinErr error
	timer := time.NewTimer(a.config.JoinTimeout)
	select {
	case <-joined:
	case <-ctx.Done():
		joinErr = ErrShutdownTimeout
	case <-timer.C:
		joinErr = ErrShutdownTimeout
	}
	timer.Stop()

	flushed := a.pending.drainAll()
	for _, event := range flushed {
		a.forward(event)
	}
	if len(flushed) > 0 {
		coreevents.Emit(a.config.Events, context.Background(), coreevents.EventTypeAdapterFlushed, map[string]any{"count": len(flushed)})
	}

	return joinErr
}
