// Package corelog defines the logging sink corebus uses to surface
// handler and callback failures without propagating them to callers.
//
// The interface mirrors the key-value, level-method shape used throughout
// the GoCodeAlone/modular ecosystem so that applications already wiring a
// modular.Logger (or any slog/zap/logrus-backed logger) can reuse the same
// adapter for corebus.
package corelog

import (
	"context"
	"log/slog"
)

// Logger is the logging sink corebus depends on. All operations all take
// variadic key-value pairs, compatible with slog, logrus, zap's sugared
// logger, and similar structured loggers.
type Logger interface {
	// Info logs a normal informational event (bus started, subscription
	// created, and so on).
	Info(msg string, args ...any)

	// Warn logs a condition that is unusual but does not prevent normal
	// operation (a dropped event, a full worker pool).
	Warn(msg string, args ...any)

	// Error logs a handler or callback failure caught at the bus boundary:
	// every error a subscriber or throttler callback raises is redirected
	// here instead of propagating out of the bus.
	Error(msg string, args ...any)

	// Debug logs detailed diagnostic information, typically disabled in
	// production.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps logger, or slog.Default() if logger is nil.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// NopLogger discards everything. Useful as a zero-value-safe default and in
// tests that don't want log noise.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Debug(string, ...any) {}

// ctxKey is unexported to avoid collisions with context keys from other
// packages.
type ctxKey string

const loggerCtxKey ctxKey = "corebus_logger"

// WithContext attaches logger to ctx for handlers that want to log through
// the same sink the bus uses.
func WithContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// FromContext retrieves a Logger attached by WithContext, or NopLogger if
// none was attached.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerCtxKey).(Logger); ok {
		return l
	}
	return NopLogger{}
}
