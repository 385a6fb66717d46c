package backplane

import (
	"fmt"

	"github.com/tsarna/morsel/pkg/morsel/o11y"
	"go.uber.org/zap"
)

// BackplaneBuilder provides a fluent interface for creating a DefaultBackplane
type BackplaneBuilder struct {
	logger          *zap.Logger
	name            string
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewBackplane creates a new BackplaneBuilder
func NewBackplane() *BackplaneBuilder {
	return &BackplaneBuilder{
		name: "default",
	}
}

// WithLogger sets the logger for the backplane
func (b *BackplaneBuilder) WithLogger(logger *zap.Logger) *BackplaneBuilder {
	b.logger = logger
	return b
}

// WithName sets the name reported in logs and metric labels
func (b *BackplaneBuilder) WithName(name string) *BackplaneBuilder {
	b.name = name
	return b
}

// WithMetrics sets the metrics provider for the backplane
func (b *BackplaneBuilder) WithMetrics(provider o11y.MetricsProvider) *BackplaneBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider for the backplane
func (b *BackplaneBuilder) WithTracing(provider o11y.TracingProvider) *BackplaneBuilder {
	b.tracingProvider = provider
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *BackplaneBuilder) IsValid() error {
	if b.name == "" {
		return fmt.Errorf("backplane name must not be empty")
	}
	return nil
}

// Build creates the DefaultBackplane, returning an error if configuration is invalid
func (b *BackplaneBuilder) Build() (*DefaultBackplane, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bp := &DefaultBackplane{
		registry:        newRegistry(),
		logger:          logger.With(zap.String("backplane", b.name)),
		name:            b.name,
		tracingProvider: b.tracingProvider,
	}

	if b.metricsProvider != nil {
		bp.metrics = newBackplaneMetrics(b.metricsProvider)
	}

	return bp, nil
}
