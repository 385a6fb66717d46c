package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"github.com/tsarna/morsel/pkg/morsel/websockets"
	"go.uber.org/zap"
)

// Client dials a MorseL hub and owns the resulting client-side Connection.
// It does not reconnect; after a disconnect, Connect may be called again.
type Client struct {
	// Configuration
	url              string
	logger           *zap.Logger
	dialTimeout      time.Duration
	connectTimeout   time.Duration
	writeChannelSize int
	pingInterval     time.Duration
	readLimit        int64
	authProvider     AuthorizationProvider
	headers          map[string][]string
	stages           []middleware.Middleware
	options          morsel.Options
	methods          *morsel.MethodTable
	metrics          *websockets.WebSocketMetrics

	// Connection state
	mu      sync.RWMutex
	conn    *websockets.Connection
	started int32
}

// Connect dials the hub, starts the connection and waits until the server
// has announced the connection id.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return fmt.Errorf("client is already started")
	}

	conn, err := c.connect(ctx)
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("MorseL client connected",
		zap.String("url", c.url),
		zap.String("connection_id", conn.ID()),
	)

	go c.watch(conn)
	return nil
}

func (c *Client) connect(ctx context.Context) (*websockets.Connection, error) {
	if _, err := url.Parse(c.url); err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{}

	if c.headers != nil {
		dialOptions.HTTPHeader = make(map[string][]string)
		for key, values := range c.headers {
			dialOptions.HTTPHeader[key] = values
		}
	}

	// Authorization overrides a custom Authorization header.
	if c.authProvider != nil {
		authValue, err := c.authProvider(dialCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to get authorization: %w", err)
		}
		if authValue != "" {
			if dialOptions.HTTPHeader == nil {
				dialOptions.HTTPHeader = make(map[string][]string)
			}
			dialOptions.HTTPHeader["Authorization"] = []string{authValue}
		}
	}

	wsConn, _, err := websocket.Dial(dialCtx, c.url, dialOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	config := websockets.NewConnectionConfig().
		WithLogger(c.logger).
		WithRole(websockets.RoleClient).
		WithMethods(c.methods).
		WithPipeline(middleware.New(c.stages...)).
		WithOptions(c.options).
		WithQueueSize(c.writeChannelSize).
		WithPingInterval(c.pingInterval).
		WithMetrics(c.metrics)

	conn, err := websockets.NewConnection(websockets.NewSocket(wsConn, c.readLimit), config)
	if err != nil {
		wsConn.Close(websocket.StatusInternalError, "client setup failed")
		return nil, err
	}

	// The connection outlives ctx; only its values are kept.
	if err := conn.Start(context.WithoutCancel(ctx)); err != nil {
		wsConn.Close(websocket.StatusInternalError, "client setup failed")
		return nil, err
	}

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	select {
	case <-conn.Ready():
		return conn, nil
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			return nil, fmt.Errorf("connection closed before it opened: %w", err)
		}
		return nil, fmt.Errorf("connection closed before it opened: %w", morsel.ErrConnectionClosed)
	case <-timer.C:
		conn.Close("connect timeout")
		return nil, fmt.Errorf("timed out waiting for the connection id")
	case <-ctx.Done():
		conn.Close("connect cancelled")
		return nil, ctx.Err()
	}
}

// watch resets the client when the connection ends, whoever closed it.
func (c *Client) watch(conn *websockets.Connection) {
	<-conn.Done()
	c.release(conn)
}

func (c *Client) release(conn *websockets.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
		atomic.StoreInt32(&c.started, 0)
	}
}

// Disconnect closes the connection. It is a no-op when not connected.
func (c *Client) Disconnect() error {
	conn := c.Connection()
	if conn == nil {
		return nil
	}

	c.logger.Info("Disconnecting MorseL client", zap.String("connection_id", conn.ID()))
	err := conn.Close("client disconnect")
	c.release(conn)
	return err
}

// Connection returns the live connection, or nil when not connected.
func (c *Client) Connection() *websockets.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// ConnectionID returns the id the hub assigned, or "" when not connected.
func (c *Client) ConnectionID() string {
	if conn := c.Connection(); conn != nil {
		return conn.ID()
	}
	return ""
}

// On registers a method the hub may invoke. It may be called before Connect.
func (c *Client) On(name string, arity int, handler morsel.Handler) {
	c.methods.Register(name, arity, handler)
}

// Invoke calls a hub method.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (*websockets.Call, error) {
	conn := c.Connection()
	if conn == nil {
		return nil, morsel.ErrNotConnected
	}
	return conn.Invoke(ctx, method, args...)
}

// Send calls a hub method without waiting for a result.
func (c *Client) Send(ctx context.Context, method string, args ...any) error {
	conn := c.Connection()
	if conn == nil {
		return morsel.ErrNotConnected
	}
	return conn.Send(ctx, method, args...)
}
