package server

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/backplane"
	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"github.com/tsarna/morsel/pkg/morsel/o11y"
	"github.com/tsarna/morsel/pkg/morsel/websockets"
	"go.uber.org/zap"
)

// IDGenerator returns a new, unique connection id.
type IDGenerator func() string

// NewULID is the default IDGenerator.
func NewULID() string {
	return ulid.Make().String()
}

// ConnectedFunc is called once a connection is open, with a context
// carrying its Hub.
type ConnectedFunc func(ctx context.Context, hub *Hub)

// DisconnectedFunc is called after a connection has closed and left the
// backplane. err is nil for a normal close.
type DisconnectedFunc func(ctx context.Context, hub *Hub, err error)

// ListenerConfig holds the configuration for creating a Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
type ListenerConfig struct {
	logger          *zap.Logger
	backplane       backplane.Backplane
	methods         *morsel.MethodTable
	middleware      []middleware.Factory
	options         morsel.Options
	queueSize       int
	pingInterval    time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	readLimit       int64
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
	idGenerator     IDGenerator
	originPatterns  []string
	onConnected     ConnectedFunc
	onDisconnected  DisconnectedFunc
}

const (
	// DefaultQueueSize is the number of outbound frames buffered per connection.
	DefaultQueueSize = websockets.DefaultQueueSize

	// DefaultPingInterval is the default interval for sending WebSocket ping frames.
	DefaultPingInterval = websockets.DefaultPingInterval

	// DefaultReadTimeout is zero: idle clients are kept, and pings detect dead ones.
	DefaultReadTimeout = websockets.DefaultReadTimeout

	// DefaultWriteTimeout is the default timeout for writing frames to clients.
	DefaultWriteTimeout = websockets.DefaultWriteTimeout
)

// NewListenerConfig creates a new ListenerConfig for building a Listener.
//
// Example:
//
//	listener, err := server.NewListenerConfig().
//	    WithLogger(logger).
//	    WithBackplane(backplane.New(logger)).
//	    WithMethods(methods).
//	    WithMiddleware(middleware.Shared(middleware.Base64())).
//	    WithPingInterval(45 * time.Second).
//	    Build()
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    websockets.DefaultReadLimit,
		idGenerator:  NewULID,
	}
}

// WithLogger sets the Logger for the Listener. Required.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithBackplane sets the Backplane tracking connections and groups. Required.
func (c *ListenerConfig) WithBackplane(bp backplane.Backplane) *ListenerConfig {
	c.backplane = bp
	return c
}

// WithMethods sets the hub methods clients may invoke. Each connection gets
// its own copy, so handlers registered on one connection stay local to it.
func (c *ListenerConfig) WithMethods(methods *morsel.MethodTable) *ListenerConfig {
	c.methods = methods
	return c
}

// WithMiddleware appends pipeline stage factories. Each factory is called
// once per accepted connection.
func (c *ListenerConfig) WithMiddleware(factories ...middleware.Factory) *ListenerConfig {
	c.middleware = append(c.middleware, factories...)
	return c
}

// WithOptions sets strict/lenient handling of protocol problems for every
// server-side connection.
func (c *ListenerConfig) WithOptions(options morsel.Options) *ListenerConfig {
	c.options = options
	return c
}

// WithQueueSize sets the outbound frame buffer per connection. Must be positive.
//
// Default: 256 frames per connection
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames.
// Set to 0 to disable ping/pong health monitoring.
//
// Default: 30 seconds
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithReadTimeout bounds the wait for each inbound frame. Zero disables it.
//
// Default: disabled
func (c *ListenerConfig) WithReadTimeout(timeout time.Duration) *ListenerConfig {
	if timeout >= 0 {
		c.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout sets the timeout for writing frames to clients.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit sets the largest frame accepted from a client, in bytes.
//
// Default: 1 MiB
func (c *ListenerConfig) WithReadLimit(limit int64) *ListenerConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// WithMetricsProvider enables connection, frame and handler metrics.
func (c *ListenerConfig) WithMetricsProvider(provider o11y.MetricsProvider) *ListenerConfig {
	c.metricsProvider = provider
	return c
}

// WithTracingProvider enables a span around every handler call.
func (c *ListenerConfig) WithTracingProvider(provider o11y.TracingProvider) *ListenerConfig {
	c.tracingProvider = provider
	return c
}

// WithIDGenerator replaces the ULID connection id generator.
func (c *ListenerConfig) WithIDGenerator(generator IDGenerator) *ListenerConfig {
	if generator != nil {
		c.idGenerator = generator
	}
	return c
}

// WithOriginPatterns allows cross-origin handshakes from hosts matching the
// given patterns (see websocket.AcceptOptions).
func (c *ListenerConfig) WithOriginPatterns(patterns ...string) *ListenerConfig {
	c.originPatterns = append(c.originPatterns, patterns...)
	return c
}

// WithOnConnected sets a callback run for every connection once it is open.
func (c *ListenerConfig) WithOnConnected(fn ConnectedFunc) *ListenerConfig {
	c.onConnected = fn
	return c
}

// WithOnDisconnected sets a callback run for every connection after it closed.
func (c *ListenerConfig) WithOnDisconnected(fn DisconnectedFunc) *ListenerConfig {
	c.onDisconnected = fn
	return c
}

// IsValid checks if the configuration has all required parameters set.
// Returns nil if the configuration is valid, or an error describing what's missing.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.backplane == nil {
		missing = append(missing, "Backplane")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}

	return nil
}

// Build creates a new Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	if c.methods == nil {
		c.methods = morsel.NewMethodTable()
	}

	return newListener(c), nil
}
