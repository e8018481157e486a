// Package coreevents provides CloudEvents-shaped internal lifecycle
// telemetry for corebus: buses, the throttler and the throttled adapter
// optionally emit these events to an attached Subject, following the
// Observer pattern. Emission is purely additive: with no Subject at all it
// costs nothing beyond a nil check, while an attached Subject builds each
// CloudEvent on the emitting goroutine even when it has no observers.
package coreevents

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event type constants, following CloudEvents reverse-domain notation.
const (
	EventTypeBusStarted  = "com.corebus.bus.started"
	EventTypeBusStopped  = "com.corebus.bus.stopped"
	EventTypeBusShutdown = "com.corebus.bus.shutdown_timeout"

	EventTypeSubscriptionCreated = "com.corebus.subscription.created"

	EventTypeEventDispatched = "com.corebus.event.dispatched"
	EventTypeEventDropped    = "com.corebus.event.dropped"
	EventTypeEventCoalesced  = "com.corebus.event.coalesced"

	EventTypeThrottleDenied   = "com.corebus.throttle.denied"
	EventTypeThrottleCallback = "com.corebus.throttle.callback_fired"
	EventTypeAdapterBuffered  = "com.corebus.adapter.buffered"
	EventTypeAdapterFlushed   = "com.corebus.adapter.flushed_on_shutdown"
)

// Source is the CloudEvents source attribute corebus stamps on every event
// it emits.
const Source = "corebus"

// NewEvent builds a CloudEvent of eventType carrying data as its JSON
// payload, stamped with a UUIDv7 id (time-ordered; falls back to v4 if v7
// generation ever fails) and the current time.
func NewEvent(eventType string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(Source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// Observer receives notifications from a Subject. ObserverID identifies
// the observer for registration tracking; it need not be globally unique
// beyond the owning Subject.
type Observer interface {
	OnEvent(ctx context.Context, event cloudevents.Event) error
	ObserverID() string
}

// ObserverFunc adapts a plain function plus a fixed id to Observer.
type ObserverFunc struct {
	ID string
	Fn func(ctx context.Context, event cloudevents.Event) error
}

func (f ObserverFunc) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.Fn(ctx, event)
}

func (f ObserverFunc) ObserverID() string { return f.ID }

type registration struct {
	observer   Observer
	eventTypes map[string]bool // empty means "all types"
}

// Subject fans a CloudEvent out to every registered Observer, in its own
// goroutine per observer so a slow or misbehaving observer can never block
// the emitting component. A nil *Subject is valid and a no-op, so corebus
// components can hold one unconditionally and skip only the emit call when
// it is nil.
type Subject struct {
	mu        sync.RWMutex
	observers map[string]*registration
}

// NewSubject returns an empty Subject.
func NewSubject() *Subject {
	return &Subject{observers: make(map[string]*registration)}
}

// RegisterObserver adds observer, optionally filtered to eventTypes. An
// empty eventTypes means the observer receives everything.
func (s *Subject) RegisterObserver(observer Observer, eventTypes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		filter[t] = true
	}
	s.observers[observer.ObserverID()] = &registration{observer: observer, eventTypes: filter}
}

// UnregisterObserver removes observer. Idempotent.
func (s *Subject) UnregisterObserver(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, observer.ObserverID())
}

// Notify fans event out to every interested observer asynchronously. A nil
// Subject is a safe no-op.
func (s *Subject) Notify(ctx context.Context, event cloudevents.Event) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, reg := range s.observers {
		reg := reg
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		go func() {
			defer func() {
				_ = recover() // an observer panic must never surface to the emitter
			}()
			_ = reg.observer.OnEvent(ctx, event)
		}()
	}
}

// Emit is a convenience wrapper: if subject is non-nil, builds a CloudEvent
// via NewEvent and fans it out. It is always safe to call with a nil
// subject, which is exactly the state of any corebus component that was
// constructed without telemetry attached.
func Emit(subject *Subject, ctx context.Context, eventType string, data any) {
	if subject == nil {
		return
	}
	subject.Notify(ctx, NewEvent(eventType, data))
}
