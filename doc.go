// Package corebus provides an in-process event distribution and
// admission-control core for latency-sensitive services such as
// market-data and trading pipelines.
//
// # Features
//
// corebus offers the following capabilities:
// - Synchronous, in-caller event dispatch (SyncBus)
// - Asynchronous, queued event dispatch with optional per-type
// coalescing (AsyncBus)
// - Covariant subscriber matching over a caller-declared type-tag
// hierarchy (Registry)
// - A rolling-window admission throttler with poll and push interfaces
// (the corebus/throttle package)
// - A throttled bus adapter that buffers publications while the
// throttler is closed and drains them as capacity returns (the
// corebus/busadapter package)
//
// # Non-goals
//
// corebus never crosses a process boundary, never persists or replays
// events after restart, and never guarantees exactly-once delivery or
// fairness between subscribers.
//
// # Usage
//
//	reg := corebus.NewRegistry()
//	bus := corebus.NewSyncBus(reg, corelog.NewSlogLogger(nil), nil, nil)
//	bus.AddTyped(MarketData{}.TypeTag(), corebus.SubscriberFunc(handleQuote))
//	bus.Publish(ctx, corebus.NewEvent(MarketData{Symbol: "AAPL", Price: 150}))
package corebus
