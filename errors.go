package corebus

import "errors"

// Core errors returned by the bus, registry and lifecycle surfaces.
var (
	// ErrBusNotStarted reports that a bus is not running. No operation in
	// this package returns it: Publish after Shutdown is a silent no-op.
	ErrBusNotStarted = errors.New("corebus: bus not started")

	// ErrShutdownTimeout is returned when a component's background workers
	// do not terminate within their shutdown grace period.
	ErrShutdownTimeout = errors.New("corebus: shutdown timed out")

	// ErrHandlerNil is returned by AddTyped/AddUniversal when the supplied
	// subscriber is nil.
	ErrHandlerNil = errors.New("corebus: subscriber handler cannot be nil")
)
