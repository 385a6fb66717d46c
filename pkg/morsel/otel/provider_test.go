package otel

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tsarna/morsel/pkg/morsel/o11y"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func newNoopProvider() *Provider {
	return NewProviderFrom(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider(), "morsel-test", "0.0.0")
}

func TestProviderReusesInstruments(t *testing.T) {
	p := newNoopProvider()

	assert.Same(t, p.Counter("a"), p.Counter("a"))
	assert.Same(t, p.Histogram("b"), p.Histogram("b"))
	assert.Same(t, p.Gauge("c"), p.Gauge("c"))
	assert.NotSame(t, p.Counter("a"), p.Counter("other"))
}

func TestProviderRecords(t *testing.T) {
	p := newNoopProvider()
	ctx := context.Background()
	label := o11y.Label{Key: "method", Value: "Echo"}

	assert.NotPanics(t, func() {
		p.Counter("calls").Add(ctx, 1, label)
		p.Histogram("latency").Record(ctx, 0.25, label)
		p.Gauge("active").Set(ctx, 3)
		p.Gauge("active").Set(ctx, 1)
	})

	g := p.Gauge("active").(*otelGauge)
	assert.Equal(t, float64(1), math.Float64frombits(g.last.Load()))
}

func TestProviderSpans(t *testing.T) {
	p := newNoopProvider()

	ctx, span := o11y.StartSpan(context.Background(), p, "morsel.handle", o11y.Label{Key: "method", Value: "Echo"})
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() { o11y.EndSpan(span, nil) })

	_, span = p.StartSpan(context.Background(), "morsel.handle")
	assert.NotPanics(t, func() {
		span.SetStatus(o11y.SpanStatusUnset, "")
		o11y.EndSpan(span, errors.New("boom"))
	})
}

func TestGlobalProvider(t *testing.T) {
	p := NewProvider("morsel-test", "0.0.0")
	assert.NotNil(t, p.Counter("global"))
}
