package corebus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/corebus/busadapter"
	"github.com/GoCodeAlone/corebus/throttle"
)

// MarketData and Trade stand in for a trading pipeline's domain payloads in
// the scenarios below, tagged explicitly via Tagged rather than relying on
// their Go type name.
type MarketData struct {
	Symbol string
	Price  float64
	Volume int
}

func (MarketData) TypeTag() Tag { return Tag("MarketData") }

type Trade struct {
	ID     string
	Symbol string
	Price  float64
	Size   int
	Side   string
}

func (Trade) TypeTag() Tag { return Tag("Trade") }

type countingSubscriber struct {
	count atomic.Int32
}

func (c *countingSubscriber) Handle(_ context.Context, _ Event) error {
	c.count.Add(1)
	return nil
}

// Scenario 1: basic sync dispatch.
func TestScenarioBasicSyncDispatch(t *testing.T) {
	registry := NewRegistry()
	bus := NewSyncBus(registry, nil, nil, nil)

	universal := &countingSubscriber{}
	marketSub := &countingSubscriber{}
	tradeSub := &countingSubscriber{}

	require.NoError(t, bus.AddUniversal(Tag(""), universal))
	require.NoError(t, bus.AddTyped(MarketData{}.TypeTag(), marketSub))
	require.NoError(t, bus.AddTyped(Trade{}.TypeTag(), tradeSub))

	bus.Publish(context.Background(), NewEvent(MarketData{Symbol: "AAPL", Price: 150, Volume: 1000}))
	bus.Publish(context.Background(), NewEvent(Trade{ID: "T001", Symbol: "AAPL", Price: 150, Size: 100, Side: "BUY"}))
	bus.Publish(context.Background(), NewEvent("a string"))

	assert.EqualValues(t, 3, universal.count.Load())
	assert.EqualValues(t, 1, marketSub.count.Load())
	assert.EqualValues(t, 1, tradeSub.count.Load())
}

// Scenario 2: inheritance through a declared universal-root tag.
func TestScenarioInheritanceThroughDeclaredRoot(t *testing.T) {
	const root = Tag("root")

	hierarchy := NewHierarchy().
		WithParents(Tag("string"), root).
		WithParents(Tag("int"), root).
		WithParents(MarketData{}.TypeTag(), root)
	registry := NewRegistryWithHierarchy(hierarchy)
	bus := NewSyncBus(registry, nil, nil, nil)

	rootSub := &countingSubscriber{}
	stringSub := &countingSubscriber{}
	require.NoError(t, bus.AddTyped(root, rootSub))
	require.NoError(t, bus.AddTyped(Tag("string"), stringSub))

	bus.Publish(context.Background(), NewTaggedEvent(Tag("string"), "hello"))
	bus.Publish(context.Background(), NewTaggedEvent(Tag("int"), 42))
	bus.Publish(context.Background(), NewEvent(MarketData{Symbol: "AAPL", Price: 150, Volume: 1000}))

	assert.EqualValues(t, 3, rootSub.count.Load())
	assert.EqualValues(t, 1, stringSub.count.Load())
}

// Scenario 3: coalescing load.
func TestScenarioCoalescingLoad(t *testing.T) {
	registry := NewRegistry()
	bus := NewAsyncBus(registry, nil, AsyncConfig{WorkerCount: 1, Coalesce: true})
	defer bus.Shutdown(context.Background())

	sub := &countingSubscriber{}
	require.NoError(t, bus.AddTyped(MarketData{}.TypeTag(), sub))

	for i := 0; i < 20; i++ {
		bus.Publish(context.Background(), NewEvent(MarketData{Symbol: "AAPL", Price: float64(150 + i), Volume: 1000}))
	}

	time.Sleep(2 * time.Second)

	received := sub.count.Load()
	assert.GreaterOrEqual(t, received, int32(1))
	assert.Less(t, received, int32(20))
}

// Scenario 4: throttler rolling window.
func TestScenarioThrottlerRollingWindow(t *testing.T) {
	th, err := throttle.New(throttle.Config{MaxOps: 2, WindowMs: 500})
	require.NoError(t, err)
	defer th.Shutdown(context.Background())

	assert.Equal(t, throttle.Proceed, th.ShouldProceed())
	assert.Equal(t, throttle.Proceed, th.ShouldProceed())
	assert.Equal(t, throttle.DoNotProceed, th.ShouldProceed())

	time.Sleep(600 * time.Millisecond)

	assert.Equal(t, throttle.Proceed, th.ShouldProceed())
	assert.Equal(t, 1, th.CurrentOperationCount())
}

// Scenario 5: throttler push callback.
func TestScenarioThrottlerPushCallback(t *testing.T) {
	th, err := throttle.New(throttle.Config{MaxOps: 1, WindowMs: 300})
	require.NoError(t, err)
	defer th.Shutdown(context.Background())

	require.Equal(t, throttle.Proceed, th.ShouldProceed())

	var fires atomic.Int32
	th.NotifyWhenCanProceed(throttle.CallbackFunc(func() { fires.Add(1) }))

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && fires.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	assert.EqualValues(t, 1, fires.Load())
}

// Scenario 6: throttled adapter under high volume.
func TestScenarioThrottledAdapterHighVolume(t *testing.T) {
	registry := NewRegistry()
	bus := NewSyncBus(registry, nil, nil, nil)
	th, err := throttle.New(throttle.Config{MaxOps: 10, WindowMs: 1000})
	require.NoError(t, err)
	defer th.Shutdown(context.Background())

	adapter := busadapter.New(bus, th, busadapter.Config{
		DrainPollInterval: 20 * time.Millisecond,
		BackoffInterval: 20 * time.Millisecond,
	})
	defer adapter.Shutdown(context.Background())

	counter := &countingSubscriber{}
	require.NoError(t, adapter.AddUniversal(Tag(""), counter))

	start := time.Now()
	for i := 0; i < 50; i++ {
		adapter.Publish(context.Background(), NewEvent(MarketData{Symbol: "AAPL", Price: float64(i), Volume: 1}))
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && counter.count.Load() < 50 {
		time.Sleep(5 * time.Millisecond)
	}
	elapsed := time.Since(start)

	assert.EqualValues(t, 50, counter.count.Load())
	assert.GreaterOrEqual(t, elapsed, 4000*time.Millisecond)
}
