// Package telemetry integrates the event bus and graph materializer with
// Clue logging and OpenTelemetry metrics. The interfaces carry only the
// surface the bus actually calls, so call sites stay testable with
// lightweight stubs.
package telemetry

import "context"

// Logger captures structured logging used throughout the event bus and graph
// materializer. Implementations typically delegate to Clue but the interface
// is intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes the counter and gauge helpers shared by the store, hub,
// frontdoor, and materializer.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Bundle groups the telemetry surfaces a component needs. Passing a single
// Bundle through constructors keeps wiring code (cmd/denis-eventbus) short.
type Bundle struct {
	Logger  Logger
	Metrics Metrics
}

// Noop returns a Bundle whose members discard everything. Useful as a safe
// default and in unit tests that don't assert on telemetry output.
func Noop() Bundle {
	return Bundle{Logger: NewNoopLogger(), Metrics: NewNoopMetrics()}
}
