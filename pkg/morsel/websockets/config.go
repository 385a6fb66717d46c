package websockets

import (
	"fmt"
	"time"

	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"github.com/tsarna/morsel/pkg/morsel/o11y"
	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the number of outbound frames a connection buffers
	// before senders block.
	DefaultQueueSize = 256

	// DefaultPingInterval is how often a ping frame is sent. Zero disables pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultReadTimeout bounds the wait for the next inbound frame. Zero
	// means wait indefinitely and rely on pings to detect dead peers.
	DefaultReadTimeout = 0

	// DefaultWriteTimeout bounds each frame write and each ping.
	DefaultWriteTimeout = 10 * time.Second
)

// ConnectionConfig holds the settings for one Connection. Use
// NewConnectionConfig() and chain methods, then pass it to NewConnection.
//
//	cfg := websockets.NewConnectionConfig().
//	    WithLogger(logger).
//	    WithRole(websockets.RoleServer).
//	    WithConnectionID(id).
//	    WithMethods(methods).
//	    WithPipeline(middleware.New(middleware.Base64()))
type ConnectionConfig struct {
	logger          *zap.Logger
	role            Role
	connectionID    string
	methods         *morsel.MethodTable
	pipeline        *middleware.Pipeline
	options         morsel.Options
	queueSize       int
	pingInterval    time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	metrics         *WebSocketMetrics
	tracingProvider o11y.TracingProvider
}

// NewConnectionConfig returns a client-side configuration with defaults.
func NewConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		logger:       zap.NewNop(),
		role:         RoleClient,
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
}

// WithLogger sets the logger.
func (c *ConnectionConfig) WithLogger(logger *zap.Logger) *ConnectionConfig {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithRole selects the client or server side of the protocol.
func (c *ConnectionConfig) WithRole(role Role) *ConnectionConfig {
	c.role = role
	return c
}

// WithConnectionID sets the id a server-side connection announces. It is
// required for RoleServer and ignored for RoleClient.
func (c *ConnectionConfig) WithConnectionID(id string) *ConnectionConfig {
	c.connectionID = id
	return c
}

// WithMethods sets the table of methods the peer may invoke. The connection
// registers handlers added with On into this same table.
func (c *ConnectionConfig) WithMethods(methods *morsel.MethodTable) *ConnectionConfig {
	c.methods = methods
	return c
}

// WithPipeline sets the middleware pipeline. The default is an empty pipeline.
func (c *ConnectionConfig) WithPipeline(pipeline *middleware.Pipeline) *ConnectionConfig {
	c.pipeline = pipeline
	return c
}

// WithOptions sets strict/lenient handling of protocol problems.
func (c *ConnectionConfig) WithOptions(options morsel.Options) *ConnectionConfig {
	c.options = options
	return c
}

// WithQueueSize sets the outbound frame buffer. Must be positive.
func (c *ConnectionConfig) WithQueueSize(size int) *ConnectionConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the ping interval. Zero disables pings.
func (c *ConnectionConfig) WithPingInterval(interval time.Duration) *ConnectionConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithReadTimeout bounds the wait for each inbound frame. Zero disables it.
func (c *ConnectionConfig) WithReadTimeout(timeout time.Duration) *ConnectionConfig {
	if timeout >= 0 {
		c.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout bounds each write. Must be positive.
func (c *ConnectionConfig) WithWriteTimeout(timeout time.Duration) *ConnectionConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithMetrics sets the metric instruments. Nil disables metrics.
func (c *ConnectionConfig) WithMetrics(metrics *WebSocketMetrics) *ConnectionConfig {
	c.metrics = metrics
	return c
}

// WithTracing sets the tracing provider used for handler spans.
func (c *ConnectionConfig) WithTracing(provider o11y.TracingProvider) *ConnectionConfig {
	c.tracingProvider = provider
	return c
}

// IsValid checks the configuration and returns an error describing the
// first problem found.
func (c *ConnectionConfig) IsValid() error {
	switch c.role {
	case RoleClient:
	case RoleServer:
		if c.connectionID == "" {
			return fmt.Errorf("invalid connection configuration: server role requires a connection id")
		}
	default:
		return fmt.Errorf("invalid connection configuration: unknown role %d", c.role)
	}

	return nil
}
