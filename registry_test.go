package corebus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	mu    sync.Mutex
	calls []Event
}

func (r *recordingSubscriber) Handle(_ context.Context, event Event) error {
	r.mu.Lock()
	r.calls = append(r.calls, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRegistryAddUniversalRejectsNil(t *testing.T) {
	r := NewRegistry()
	err := r.AddUniversal(nil)
	require.ErrorIs(t, err, ErrHandlerNil)
}

func TestRegistryAddTypedRejectsNil(t *testing.T) {
	r := NewRegistry()
	err := r.AddTyped(Tag("x"), nil)
	require.ErrorIs(t, err, ErrHandlerNil)
}

func TestRegistryDispatchMatchesExactTag(t *testing.T) {
	r := NewRegistry()
	sub := &recordingSubscriber{}
	require.NoError(t, r.AddTyped(Tag("order.created"), sub))

	r.dispatch(NewTaggedEvent(Tag("order.created"), "payload"), func(s Subscriber) {
		_ = s.Handle(context.Background(), Event{})
	})
	assert.Equal(t, 1, sub.count())
}

func TestRegistryDispatchIgnoresUnrelatedTag(t *testing.T) {
	r := NewRegistry()
	sub := &recordingSubscriber{}
	require.NoError(t, r.AddTyped(Tag("order.created"), sub))

	r.dispatch(NewTaggedEvent(Tag("order.cancelled"), "payload"), func(s Subscriber) {
		_ = s.Handle(context.Background(), Event{})
	})
	assert.Equal(t, 0, sub.count())
}

func TestRegistryUniversalSeesEveryEvent(t *testing.T) {
	r := NewRegistry()
	sub := &recordingSubscriber{}
	require.NoError(t, r.AddUniversal(sub))

	r.dispatch(NewTaggedEvent(Tag("anything"), 1), func(s Subscriber) {
		_ = s.Handle(context.Background(), Event{})
	})
	r.dispatch(NewTaggedEvent(Tag("something.else"), 2), func(s Subscriber) {
		_ = s.Handle(context.Background(), Event{})
	})
	assert.Equal(t, 2, sub.count())
}

func TestRegistryDispatchWalksDeclaredHierarchy(t *testing.T) {
	hierarchy := NewHierarchy().
		WithParents(Tag("order.created"), Tag("order.event")).
		WithParents(Tag("order.event"), Tag("domain.event"))
	r := NewRegistryWithHierarchy(hierarchy)

	domainSub := &recordingSubscriber{}
	eventSub := &recordingSubscriber{}
	require.NoError(t, r.AddTyped(Tag("domain.event"), domainSub))
	require.NoError(t, r.AddTyped(Tag("order.event"), eventSub))

	r.dispatch(NewTaggedEvent(Tag("order.created"), "payload"), func(s Subscriber) {
		_ = s.Handle(context.Background(), Event{})
	})

	assert.Equal(t, 1, domainSub.count())
	assert.Equal(t, 1, eventSub.count())
}

func TestRegistryDispatchWalksInterfacesAfterAncestors(t *testing.T) {
	hierarchy := NewHierarchy().
		WithParents(Tag("order.created"), Tag("order.event")).
		WithInterfaces(Tag("order.created"), Tag("auditable"))
	r := NewRegistryWithHierarchy(hierarchy)

	auditSub := &recordingSubscriber{}
	eventSub := &recordingSubscriber{}
	require.NoError(t, r.AddTyped(Tag("auditable"), auditSub))
	require.NoError(t, r.AddTyped(Tag("order.event"), eventSub))

	var order []Subscriber
	r.dispatch(NewTaggedEvent(Tag("order.created"), "payload"), func(s Subscriber) {
		order = append(order, s)
		_ = s.Handle(context.Background(), Event{})
	})
	assert.Equal(t, 1, auditSub.count())
	require.Len(t, order, 2)
	assert.True(t, order[0] == Subscriber(eventSub), "ancestor subscriber must come first")
	assert.True(t, order[1] == Subscriber(auditSub), "interface subscriber must come after ancestors")
}

func TestRegistryAncestorChainGuardsCycles(t *testing.T) {
	hierarchy := NewHierarchy().
		WithParents(Tag("a"), Tag("b")).
		WithParents(Tag("b"), Tag("a")) // misdeclared cycle
	r := NewRegistryWithHierarchy(hierarchy)

	assert.NotPanics(t, func() {
		chain := r.ancestorChain(Tag("a"))
		assert.LessOrEqual(t, len(chain), 2)
	})
}

func TestRegistryConcurrentRegistrationAndDispatch(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.AddTyped(Tag("load.test"), &recordingSubscriber{})
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.dispatch(NewTaggedEvent(Tag("load.test"), nil), func(s Subscriber) {
				_ = s.Handle(context.Background(), Event{})
			})
		}()
	}
	wg.Wait()
}
