// Package telemetry defines the logging, metrics, and tracing interfaces the
// orchestration core depends on, plus implementations backed by
// goa.design/clue/log and the OpenTelemetry API. Components accept the
// interfaces; processes wire the clue/OTEL implementations at startup.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log entries.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans around units of work.
	Tracer interface {
		StartSpan(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is an in-flight trace span.
	Span interface {
		SetAttribute(key string, value any)
		RecordError(err error)
		End()
	}

	// NopLogger discards all log entries. Useful in tests.
	NopLogger struct{}

	// NopMetrics discards all measurements.
	NopMetrics struct{}

	// NopTracer produces no-op spans.
	NopTracer struct{}

	nopSpan struct{}
)

func (NopLogger) Debug(context.Context, string, ...any) {}
func (NopLogger) Info(context.Context, string, ...any)  {}
func (NopLogger) Warn(context.Context, string, ...any)  {}
func (NopLogger) Error(context.Context, string, ...any) {}

func (NopMetrics) IncCounter(string, float64, ...string)        {}
func (NopMetrics) RecordTimer(string, time.Duration, ...string) {}

func (NopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (nopSpan) SetAttribute(string, any) {}
func (nopSpan) RecordError(error)       {}
func (nopSpan) End()                    {}
