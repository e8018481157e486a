// Package throttle implements a rolling-window admission throttler: no
// more than maxOps admissions are granted per rolling window of windowMs
// milliseconds, with both a poll interface (ShouldProceed) and a push
// interface (NotifyWhenCanProceed) for callers that want to be woken the
// moment capacity returns.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/corebus/corelog"
	"github.com/GoCodeAlone/corebus/coreevents"
	"github.com/GoCodeAlone/corebus/coremetrics"
	"github.com/GoCodeAlone/corebus/internal/validate"
)

// ErrInvalidConfig is returned by New when maxOps or windowMs is
// non-positive. Construction fails outright; no partial Throttler is ever
// returned.
var ErrInvalidConfig = errors.New("throttle: maxOps and windowMs must both be positive")

// ErrShutdownTimeout is returned by Shutdown if the scheduler goroutine
// does not exit before the caller's context is done.
var ErrShutdownTimeout = errors.New("throttle: shutdown timed out")

// Decision is the result of a ShouldProceed call.
type Decision int

const (
	// Proceed means a unit of capacity was consumed; the caller may act.
	Proceed Decision = iota
	// DoNotProceed means no capacity was available; the caller must not
	// act and may register a Callback via NotifyWhenCanProceed instead.
	DoNotProceed
)

func (d Decision) String() string {
	if d == Proceed {
		return "PROCEED"
	}
	return "DO_NOT_PROCEED"
}

// Callback is a push listener woken when capacity is likely available.
// Waking is advisory: it is not itself a grant of admission. A callback
// must call ShouldProceed to actually consume capacity.
type Callback interface {
	OnCanProceed()
}

// CallbackFunc adapts a plain function to Callback.
type CallbackFunc func()

// OnCanProceed calls f.
func (f CallbackFunc) OnCanProceed() { f() }

// Config configures a Throttler.
type Config struct {
	// MaxOps is the maximum number of admissions allowed within any
	// rolling window of WindowMs milliseconds. Must be >= 1.
	MaxOps int `validate:"min=1"`

	// WindowMs is the width of the rolling window, in milliseconds. Must
	// be >= 1.
	WindowMs int64 `validate:"min=1"`

	// Logger receives callback-failure diagnostics. Defaults to a no-op
	// logger.
	Logger corelog.Logger

	// Metrics and Events are optional telemetry sinks. Either may be nil.
	Metrics *coremetrics.Metrics
	Events *coreevents.Subject
}

func (c Config) validate() error {
	if err := validate.Struct(&c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return nil
}

// Throttler is a rolling-window admission oracle: ShouldProceed is the
// only operation that consumes a unit of capacity. NotifyWhenCanProceed
// registers an advisory wakeup, fired on the scheduler goroutine when the
// window is expected to have capacity again.
type Throttler struct {
	maxOps   int
	windowMs int64
	logger   corelog.Logger
	metrics  *coremetrics.Metrics
	events   *coreevents.Subject

	mu         sync.Mutex
	admissions []int64 // FIFO of admission timestamps (monotonic ms), oldest first

	cbMu      sync.Mutex
	callbacks []Callback

	notifyArmed atomic.Bool
	timer       *time.Timer
	timerMu     sync.Mutex

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New constructs a Throttler. Construction fails with ErrInvalidConfig if
// MaxOps or WindowMs is non-positive; no partial Throttler is returned.
func New(cfg Config) (*Throttler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = corelog.NopLogger{}
	}
	return &Throttler{
		maxOps:   cfg.MaxOps,
		windowMs: cfg.WindowMs,
		logger:   logger,
		metrics:  cfg.Metrics,
		events:   cfg.Events,
		shutdown: make(chan struct{}),
	}, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// evictLocked drops every admission timestamp that has aged out of the
// current window, mutating t.admissions in place. Caller must hold t.mu.
//
// The cutoff comparison is inclusive (<=, not <): an admission exactly
// windowMs old has fully completed its window and must be evicted here,
// because delayUntil treats that same instant as delay==0, i.e. "capacity
// already available". A strict comparison would leave the two functions
// disagreeing at the boundary — arm's delay<=0 branch would fire a
// callback inline while evictLocked still counted the admission as live,
// so a re-armed timer landing at (or a hair past) its deadline could fire
// the same callback set twice for one rollover.
func (t *Throttler) evictLocked(now int64) {
	cutoff := now - t.windowMs
	i := 0
	for i < len(t.admissions) && t.admissions[i] <= cutoff {
		i++
	}
	if i > 0 {
		t.admissions = t.admissions[i:]
	}
}

// ShouldProceed evicts expired admissions, then admits the caller if the
// window has spare capacity. This is the only way to consume a unit of
// capacity; NotifyWhenCanProceed callbacks are advisory wakeups, not
// grants.
func (t *Throttler) ShouldProceed() Decision {
	if t.closed.Load() {
		return DoNotProceed
	}

	t.mu.Lock()
	now := nowMs()
	t.evictLocked(now)
	if len(t.admissions) < t.maxOps {
		t.admissions = append(t.admissions, now)
		t.mu.Unlock()
		t.metrics.RecordAdmissionGranted()
		return Proceed
	}
	oldest := t.admissions[0]
	t.mu.Unlock()

	t.metrics.RecordAdmissionDenied()
	coreevents.Emit(t.events, context.Background(), coreevents.EventTypeThrottleDenied, nil)
	t.arm(now, oldest)
	return DoNotProceed
}

// CurrentOperationCount returns the number of admissions within the
// current rolling window, after evicting expired ones.
func (t *Throttler) CurrentOperationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked(nowMs())
	return len(t.admissions)
}

// TimeUntilNextOperation returns 0 if capacity is currently available, or
// the delay until the oldest admission ages out of the window otherwise.
func (t *Throttler) TimeUntilNextOperation() time.Duration {
	t.mu.Lock()
	now := nowMs()
	t.evictLocked(now)
	if len(t.admissions) < t.maxOps {
		t.mu.Unlock()
		return 0
	}
	oldest := t.admissions[0]
	t.mu.Unlock()
	return delayUntil(now, oldest, t.windowMs)
}

func delayUntil(now, oldest, windowMs int64) time.Duration {
	delay := oldest - (now - windowMs)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}

// NotifyWhenCanProceed delivers cb.OnCanProceed() immediately (on the
// caller's goroutine) if capacity is currently available. Otherwise cb is
// appended to the callback list and a delayed notification is armed for
// the moment capacity is expected to return.
//
// Callbacks are not removed once fired. A callback left registered across multiple
// window rollovers will be invoked again on each one; call RemoveCallback
// to stop further wakeups.
func (t *Throttler) NotifyWhenCanProceed(cb Callback) {
	if cb == nil || t.closed.Load() {
		return
	}

	t.mu.Lock()
	now := nowMs()
	t.evictLocked(now)
	available := len(t.admissions) < t.maxOps
	var oldest int64
	if !available {
		oldest = t.admissions[0]
	}
	t.mu.Unlock()

	if available {
		t.invoke(cb)
		return
	}

	t.cbMu.Lock()
	t.callbacks = append(t.callbacks, cb)
	t.cbMu.Unlock()

	t.arm(now, oldest)
}

// RemoveCallback removes one occurrence of cb from the callback list,
// matched by interface equality. A Callback backed by a non-comparable
// dynamic type (for example a bare CallbackFunc value: func values are not
// comparable, so it matches nothing, not even itself) can never be matched
// this way; register such callbacks behind a comparable wrapper (a pointer
// type) if they need to be removable.
func (t *Throttler) RemoveCallback(cb Callback) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	for i, existing := range t.callbacks {
		if sameCallback(existing, cb) {
			t.callbacks = append(t.callbacks[:i], t.callbacks[i+1:]...)
			return
		}
	}
}

// sameCallback compares two Callback values, recovering from the panic Go
// raises when comparing interface values whose dynamic type is
// non-comparable (such as a func type).
func sameCallback(a, b Callback) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// arm schedules a one-shot re-evaluation at the moment the oldest
// admission is expected to age out, guarded by notifyArmed so at most one
// schedule is ever in flight. If delay is already zero, firing happens
// inline instead of through the timer.
func (t *Throttler) arm(now, oldest int64) {
	delay := delayUntil(now, oldest, t.windowMs)
	if delay <= 0 {
		t.fire()
		return
	}
	if !t.notifyArmed.CompareAndSwap(false, true) {
		return // a schedule is already in flight
	}

	t.timerMu.Lock()
	t.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() {
		defer t.wg.Done()
		t.notifyArmed.Store(false)
		select {
		case <-t.shutdown:
			return
		default:
		}
		t.fire()
		t.rearmIfStillBlocked()
	})
	t.timerMu.Unlock()
}

// rearmIfStillBlocked re-evaluates capacity after a fire and re-arms if
// the window is still saturated, so callbacks keep being woken as the
// window rolls forward.
func (t *Throttler) rearmIfStillBlocked() {
	t.mu.Lock()
	now := nowMs()
	t.evictLocked(now)
	if len(t.admissions) < t.maxOps {
		t.mu.Unlock()
		return
	}
	oldest := t.admissions[0]
	t.mu.Unlock()
	t.arm(now, oldest)
}

// fire invokes every registered callback. Each is isolated: a panic from
// one callback is logged and does not prevent the rest from running.
func (t *Throttler) fire() {
	t.cbMu.Lock()
	snapshot := append([]Callback(nil), t.callbacks...)
	t.cbMu.Unlock()

	for _, cb := range snapshot {
		t.invoke(cb)
	}
	coreevents.Emit(t.events, context.Background(), coreevents.EventTypeThrottleCallback, map[string]any{"callbacks": len(snapshot)})
}

func (t *Throttler) invoke(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("throttle callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	cb.OnCanProceed()
}

// Shutdown stops the scheduler, lets any already-running fire complete,
// then rejects further admissions. Idempotent.
func (t *Throttler) Shutdown(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.shutdown)

	t.timerMu.Lock()
	if t.timer != nil && t.timer.Stop() {
		// Stop reported the AfterFunc callback as cancelled before it ran,
		// so its deferred wg.Done() will never execute. Balance the
		// wg.Add(1) from arm ourselves, or Wait below blocks forever.
		t.wg.Done()
	}
	t.timerMu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrShutdownTimeout
	}
}
