// Package o11y defines the metrics and tracing abstractions used by MorseL
// connections, listeners and backplanes. Implementations live in the otel
// package and in StandaloneMetricsProvider.
package o11y

import (
	"context"
)

// ObservabilityConfig holds optional observability providers
type ObservabilityConfig struct {
	MetricsProvider MetricsProvider
	TracingProvider TracingProvider
	ServiceName     string
	ServiceVersion  string
}

// MetricsProvider abstracts metrics collection (can be implemented with OpenTelemetry, Prometheus, etc.)
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing (can be implemented with OpenTelemetry, Jaeger, etc.)
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter represents a monotonically increasing metric
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records distribution of values
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge represents a value that can go up and down
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span represents a unit of work in a trace
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label represents a key-value pair for metrics and tracing
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode represents the status of a span
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// StartSpan starts a span on provider, or returns a no-op span when provider is nil.
func StartSpan(ctx context.Context, provider TracingProvider, name string, labels ...Label) (context.Context, Span) {
	if provider == nil {
		return ctx, noopSpan{}
	}

	ctx, span := provider.StartSpan(ctx, name)
	if len(labels) > 0 {
		span.SetAttributes(labels...)
	}

	return ctx, span
}

// EndSpan records err on span and ends it.
func EndSpan(span Span, err error) {
	if err != nil {
		span.SetStatus(SpanStatusError, err.Error())
	} else {
		span.SetStatus(SpanStatusOK, "")
	}
	span.End()
}

type noopSpan struct{}

func (noopSpan) SetAttributes(labels ...Label)                     {}
func (noopSpan) SetStatus(code SpanStatusCode, description string) {}
func (noopSpan) End()                                              {}
