package corebus

import (
	"reflect"
	"time"
)

// Tag is a runtime-resolvable identity for an event's type. Tags support a
// partial order (the supertype relation) declared explicitly on a Registry
// via WithParents/WithInterfaces — there is no reflective class hierarchy to
// walk in Go, so the hierarchy is data the caller supplies once at startup.
type Tag string

// Tagged is implemented by event payloads that know their own type tag.
// Payloads that don't implement Tagged are tagged with the Go type name of
// the value passed to NewEvent (see TagOf).
type Tagged interface {
	TypeTag() Tag
}

// TagOf resolves the Tag for an arbitrary payload: the payload's own
// TypeTag() if it implements Tagged, otherwise its reflect.Type string.
// A nil value resolves to the empty Tag.
func TagOf(value any) Tag {
	if value == nil {
		return ""
	}
	if t, ok := value.(Tagged); ok {
		return t.TypeTag()
	}
	return Tag(reflect.TypeOf(value).String())
}

// Event is the opaque value carried by the bus. The bus neither inspects
// nor mutates Value; Tag drives subscriber matching and CreatedAt is set by
// the bus at publish time for ordering and observability.
type Event struct {
	// Tag identifies the event's runtime type for covariant subscriber
	// matching.
	Tag Tag

	// Value is the opaque payload. Handlers are responsible for any type
	// assertion.
	Value any

	// CreatedAt is when the event was accepted by Publish.
	CreatedAt time.Time
}

// NewEvent builds an Event from a payload, resolving its Tag via TagOf. Use
// this when the payload does not implement Tagged and no caller-specific
// tag override is needed.
func NewEvent(value any) Event {
	return Event{Tag: TagOf(value), Value: value}
}

// NewTaggedEvent builds an Event with an explicit tag, overriding whatever
// TagOf would otherwise resolve. Useful for values that cannot implement
// Tagged (primitives, third-party types).
func NewTaggedEvent(tag Tag, value any) Event {
	return Event{Tag: tag, Value: value}
}

// IsAbsent reports whether an event carries no payload, the null/absent
// event boundary case buses treat as a silent no-op. Tag is irrelevant to
// absence: NewTaggedEvent(tag, nil) is absent even though Tag is set.
func (e Event) IsAbsent() bool {
	return e.Value == nil
}
