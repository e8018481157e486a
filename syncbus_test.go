package corebus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingLogger records every Error call so tests can assert a
// subscriber failure was caught at the bus boundary rather than
// propagated to the publisher.
type capturingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *capturingLogger) Info(string, ...any)  {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *capturingLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func TestSyncBusPublishDispatchesInOrder(t *testing.T) {
	registry := NewRegistry()
	bus := NewSyncBus(registry, nil, nil, nil)

	var order []int
	require.NoError(t, bus.AddTyped(Tag("evt"), SubscriberFunc(func(_ context.Context, _ Event) error {
		order = append(order, 1)
		return nil
	})))
	require.NoError(t, bus.AddTyped(Tag("evt"), SubscriberFunc(func(_ context.Context, _ Event) error {
		order = append(order, 2)
		return nil
	})))

	bus.Publish(context.Background(), NewTaggedEvent(Tag("evt"), "payload"))
	assert.Equal(t, []int{1, 2}, order)
}

func TestSyncBusPublishIgnoresAbsentEvent(t *testing.T) {
	registry := NewRegistry()
	bus := NewSyncBus(registry, nil, nil, nil)

	called := false
	require.NoError(t, bus.AddUniversal(Tag(""), SubscriberFunc(func(_ context.Context, _ Event) error {
		called = true
		return nil
	})))

	bus.Publish(context.Background(), Event{})
	assert.False(t, called)
}

func TestSyncBusRecoversHandlerPanicAndContinuesDispatch(t *testing.T) {
	registry := NewRegistry()
	logger := &capturingLogger{}
	bus := NewSyncBus(registry, logger, nil, nil)

	secondCalled := false
	require.NoError(t, bus.AddTyped(Tag("evt"), SubscriberFunc(func(_ context.Context, _ Event) error {
		panic("boom")
	})))
	require.NoError(t, bus.AddTyped(Tag("evt"), SubscriberFunc(func(_ context.Context, _ Event) error {
		secondCalled = true
		return nil
	})))

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), NewTaggedEvent(Tag("evt"), "payload"))
	})
	assert.True(t, secondCalled)
	assert.Equal(t, 1, logger.errorCount())
}

func TestSyncBusLogsHandlerErrorWithoutAbortingDispatch(t *testing.T) {
	registry := NewRegistry()
	logger := &capturingLogger{}
	bus := NewSyncBus(registry, logger, nil, nil)

	secondCalled := false
	require.NoError(t, bus.AddTyped(Tag("evt"), SubscriberFunc(func(_ context.Context, _ Event) error {
		return errors.New("handler failed")
	})))
	require.NoError(t, bus.AddTyped(Tag("evt"), SubscriberFunc(func(_ context.Context, _ Event) error {
		secondCalled = true
		return nil
	})))

	bus.Publish(context.Background(), NewTaggedEvent(Tag("evt"), "payload"))
	assert.Equal(t, 1, logger.errorCount())
	assert.True(t, secondCalled)
}

func TestSyncBusAddUniversalRejectsNilSubscriber(t *testing.T) {
	bus := NewSyncBus(NewRegistry(), nil, nil, nil)
	require.ErrorIs(t, bus.AddUniversal(Tag("x"), nil), ErrHandlerNil)
}

func TestSyncBusShutdownIsNoOp(t *testing.T) {
	bus := NewSyncBus(NewRegistry(), nil, nil, nil)
	require.NoError(t, bus.Shutdown(context.Background()))
}
