// Package otel implements the o11y metrics and tracing interfaces on top of
// OpenTelemetry.
package otel

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsarna/morsel/pkg/morsel/o11y"
)

// Provider implements both o11y.MetricsProvider and o11y.TracingProvider.
// Instruments are created once per name and shared.
type Provider struct {
	meter  metric.Meter
	tracer trace.Tracer

	counters   sync.Map // name -> *otelCounter
	histograms sync.Map // name -> *otelHistogram
	gauges     sync.Map // name -> *otelGauge
}

// NewProvider uses the globally registered OpenTelemetry providers.
func NewProvider(serviceName, serviceVersion string) *Provider {
	return NewProviderFrom(otel.GetMeterProvider(), otel.GetTracerProvider(), serviceName, serviceVersion)
}

// NewProviderFrom uses explicit OpenTelemetry providers.
func NewProviderFrom(mp metric.MeterProvider, tp trace.TracerProvider, serviceName, serviceVersion string) *Provider {
	return &Provider{
		meter:  mp.Meter(serviceName, metric.WithInstrumentationVersion(serviceVersion)),
		tracer: tp.Tracer(serviceName, trace.WithInstrumentationVersion(serviceVersion)),
	}
}

func (p *Provider) Counter(name string) o11y.Counter {
	if c, ok := p.counters.Load(name); ok {
		return c.(*otelCounter)
	}

	counter, _ := p.meter.Int64Counter(name)
	actual, _ := p.counters.LoadOrStore(name, &otelCounter{counter: counter})
	return actual.(*otelCounter)
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	if h, ok := p.histograms.Load(name); ok {
		return h.(*otelHistogram)
	}

	histogram, _ := p.meter.Float64Histogram(name)
	actual, _ := p.histograms.LoadOrStore(name, &otelHistogram{histogram: histogram})
	return actual.(*otelHistogram)
}

// Gauge is backed by an UpDownCounter; Set adds the difference from the last
// value set through this provider.
func (p *Provider) Gauge(name string) o11y.Gauge {
	if g, ok := p.gauges.Load(name); ok {
		return g.(*otelGauge)
	}

	gauge, _ := p.meter.Float64UpDownCounter(name)
	actual, _ := p.gauges.LoadOrStore(name, &otelGauge{gauge: gauge})
	return actual.(*otelGauge)
}

func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

func attributes(labels []o11y.Label) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, len(labels))
	for i, label := range labels {
		attrs[i] = attribute.String(label.Key, label.Value)
	}
	return attrs
}

type otelCounter struct {
	counter metric.Int64Counter
}

func (c *otelCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	c.counter.Add(ctx, value, metric.WithAttributes(attributes(labels)...))
}

type otelHistogram struct {
	histogram metric.Float64Histogram
}

func (h *otelHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	h.histogram.Record(ctx, value, metric.WithAttributes(attributes(labels)...))
}

type otelGauge struct {
	gauge metric.Float64UpDownCounter
	last  atomic.Uint64 // float64 bits
}

func (g *otelGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	prev := math.Float64frombits(g.last.Swap(math.Float64bits(value)))
	if delta := value - prev; delta != 0 {
		g.gauge.Add(ctx, delta, metric.WithAttributes(attributes(labels)...))
	}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttributes(labels ...o11y.Label) {
	s.span.SetAttributes(attributes(labels)...)
}

func (s *otelSpan) SetStatus(code o11y.SpanStatusCode, description string) {
	switch code {
	case o11y.SpanStatusOK:
		s.span.SetStatus(codes.Ok, description)
	case o11y.SpanStatusError:
		s.span.SetStatus(codes.Error, description)
	default:
		s.span.SetStatus(codes.Unset, description)
	}
}

func (s *otelSpan) End() {
	s.span.End()
}
