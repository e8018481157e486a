package corebus

import "context"

// Subscriber is the single capability the bus requires of a consumer:
// Handle is invoked once per matching published event. A Subscriber must
// not block indefinitely on the synchronous bus (it runs in the publisher's
// goroutine) and must be safe to call concurrently on the asynchronous bus,
// where multiple workers may invoke the same subscriber in parallel.
//
// An error returned from Handle is never propagated to the publisher: it is
// caught at the bus boundary, logged, and dispatch continues with the next
// subscriber.
type Subscriber interface {
	Handle(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f SubscriberFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}
