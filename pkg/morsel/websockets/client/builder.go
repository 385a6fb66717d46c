package client

import (
	"context"
	"fmt"
	"time"

	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"github.com/tsarna/morsel/pkg/morsel/websockets"
	"go.uber.org/zap"
)

// AuthorizationProvider returns the Authorization header value for the
// handshake, e.g. "Bearer token123".
type AuthorizationProvider func(ctx context.Context) (string, error)

const (
	DefaultDialTimeout      = 30 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultWriteChannelSize = 100
)

// ClientBuilder provides a fluent interface for building MorseL clients.
type ClientBuilder struct {
	url              string
	logger           *zap.Logger
	dialTimeout      time.Duration
	connectTimeout   time.Duration
	writeChannelSize int
	pingInterval     time.Duration
	readLimit        int64
	authProvider     AuthorizationProvider
	headers          map[string][]string
	middleware       []middleware.Middleware
	options          morsel.Options
	methods          *morsel.MethodTable
	metrics          *websockets.WebSocketMetrics
}

// NewClient creates a new client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:           zap.NewNop(),
		dialTimeout:      DefaultDialTimeout,
		connectTimeout:   DefaultConnectTimeout,
		writeChannelSize: DefaultWriteChannelSize,
		pingInterval:     websockets.DefaultPingInterval,
	}
}

// WithURL sets the hub URL, e.g. ws://localhost:5000/hub.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout bounds the WebSocket handshake.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithConnectTimeout bounds the wait for the server's connection id after
// the handshake.
func (b *ClientBuilder) WithConnectTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.connectTimeout = timeout
	}
	return b
}

// WithWriteChannelSize sets how many outbound frames are buffered. Default is 100.
func (b *ClientBuilder) WithWriteChannelSize(size int) *ClientBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// WithPingInterval sets the ping interval. Zero disables pings.
func (b *ClientBuilder) WithPingInterval(interval time.Duration) *ClientBuilder {
	if interval >= 0 {
		b.pingInterval = interval
	}
	return b
}

// WithReadLimit sets the largest frame accepted from the server.
func (b *ClientBuilder) WithReadLimit(limit int64) *ClientBuilder {
	b.readLimit = limit
	return b
}

// WithMiddleware appends stages to the client's pipeline. They must mirror
// the server's stages.
func (b *ClientBuilder) WithMiddleware(stages ...middleware.Middleware) *ClientBuilder {
	b.middleware = append(b.middleware, stages...)
	return b
}

// WithOptions sets strict/lenient handling of protocol problems.
func (b *ClientBuilder) WithOptions(options morsel.Options) *ClientBuilder {
	b.options = options
	return b
}

// WithMethods sets the methods the hub may invoke on this client. Handlers
// can also be added later through Connection().On.
func (b *ClientBuilder) WithMethods(methods *morsel.MethodTable) *ClientBuilder {
	b.methods = methods
	return b
}

// WithMetrics sets the metric instruments for the connection.
func (b *ClientBuilder) WithMetrics(metrics *websockets.WebSocketMetrics) *ClientBuilder {
	b.metrics = metrics
	return b
}

// WithAuthorization sets a static Authorization header value.
func (b *ClientBuilder) WithAuthorization(authHeader string) *ClientBuilder {
	b.authProvider = func(ctx context.Context) (string, error) {
		return authHeader, nil
	}
	return b
}

// WithAuthorizationProvider sets a function called on every Connect to
// obtain the Authorization header.
func (b *ClientBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *ClientBuilder {
	b.authProvider = provider
	return b
}

// WithHeaders adds HTTP headers to the handshake, replacing existing values
// for the same keys.
func (b *ClientBuilder) WithHeaders(headers map[string][]string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	for key, values := range headers {
		b.headers[key] = values
	}
	return b
}

// WithHeader sets a single handshake header.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	b.headers[key] = []string{value}
	return b
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}
	return nil
}

// Build creates a client. It does not connect.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	methods := b.methods
	if methods == nil {
		methods = morsel.NewMethodTable()
	}

	return &Client{
		url:              b.url,
		logger:           b.logger,
		dialTimeout:      b.dialTimeout,
		connectTimeout:   b.connectTimeout,
		writeChannelSize: b.writeChannelSize,
		pingInterval:     b.pingInterval,
		readLimit:        b.readLimit,
		authProvider:     b.authProvider,
		headers:          b.headers,
		stages:           append([]middleware.Middleware(nil), b.middleware...),
		options:          b.options,
		methods:          methods,
		metrics:          b.metrics,
	}, nil
}
