package corebus

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/corebus/corelog"
	"github.com/GoCodeAlone/corebus/coreevents"
	"github.com/GoCodeAlone/corebus/coremetrics"
)

// SyncBus dispatches each publish in the caller's execution context
// against a Registry. No internal buffering exists: when Publish returns,
// every matched subscriber has been invoked exactly once, in dispatch
// order.
type SyncBus struct {
	registry *Registry
	logger   corelog.Logger
	metrics  *coremetrics.Metrics
	events   *coreevents.Subject
}

// NewSyncBus returns a SyncBus dispatching against registry. If logger is
// nil, a NopLogger is used. metrics and events are both optional telemetry
// sinks — either may be nil, in which case the corresponding
// instrumentation is simply skipped.
func NewSyncBus(registry *Registry, logger corelog.Logger, metrics *coremetrics.Metrics, events *coreevents.Subject) *SyncBus {
	if logger == nil {
		logger = corelog.NopLogger{}
	}
	return &SyncBus{registry: registry, logger: logger, metrics: metrics, events: events}
}

// Hierarchy exposes the underlying Registry's Hierarchy for convenience.
func (b *SyncBus) Hierarchy() *Hierarchy {
	return b.registry.Hierarchy()
}

// Publish invokes registry.dispatch(event,...) in the caller's goroutine.
// A handler error (or recovered panic) is caught, logged, and does not
// abort dispatch to the remaining subscribers. An event carrying no
// payload is a silent no-op.
func (b *SyncBus) Publish(ctx context.Context, event Event) {
	if event.IsAbsent() {
		return
	}
	event.CreatedAt = time.Now()
	b.metrics.RecordPublish("sync")
	coreevents.Emit(b.events, ctx, coreevents.EventTypeEventDispatched, map[string]any{"tag": string(event.Tag), "bus": "sync"})
	b.registry.dispatch(event, func(sub Subscriber) {
		b.invoke(ctx, sub, event)
	})
}

func (b *SyncBus) invoke(ctx context.Context, sub Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber handler panicked", "tag", event.Tag, "panic", fmt.Sprint(r))
		}
	}()
	if err := sub.Handle(ctx, event); err != nil {
		b.logger.Error("subscriber handler failed", "tag", event.Tag, "error", err)
	}
}

// AddUniversal registers sub against every event regardless of tag.
// classTag is advisory metadata only and is not consulted by the bus —
// it exists so callers can document intent at the call site.
func (b *SyncBus) AddUniversal(classTag Tag, sub Subscriber) error {
	_ = classTag
	if err := b.registry.AddUniversal(sub); err != nil {
		return err
	}
	b.metrics.RecordSubscription()
	return nil
}

// AddTyped registers sub for events whose tag equals, or descends from,
// tag.
func (b *SyncBus) AddTyped(tag Tag, sub Subscriber) error {
	if err := b.registry.AddTyped(tag, sub); err != nil {
		return err
	}
	b.metrics.RecordSubscription()
	return nil
}

// Shutdown is a no-op: SyncBus holds no background goroutines or
// resources to release. It exists so SyncBus offers the same lifecycle
// method as AsyncBus, Throttler and ThrottledBus.
func (b *SyncBus) Shutdown(ctx context.Context) error {
	return nil
}
