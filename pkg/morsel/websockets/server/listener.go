package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/backplane"
	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"github.com/tsarna/morsel/pkg/morsel/websockets"
	"go.uber.org/zap"
)

// ConnectionError is passed to Listener error observers.
type ConnectionError struct {
	ConnectionID string
	Err          error
}

// Listener accepts WebSocket connections, gives each one an id, registers it
// with the Backplane and serves hub method calls on it until it closes.
type Listener struct {
	backplane backplane.Backplane
	logger    *zap.Logger
	config    *ListenerConfig
	metrics   *websockets.WebSocketMetrics

	// Connection tracking for delivery and graceful shutdown
	connections  map[string]*websockets.Connection
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once

	unregisterDelivery func()
	onError            morsel.Observers[ConnectionError]
}

// newListener creates a new listener from a validated configuration.
// Use NewListenerConfig().Build() instead.
func newListener(config *ListenerConfig) *Listener {
	l := &Listener{
		backplane:   config.backplane,
		logger:      config.logger,
		config:      config,
		metrics:     websockets.NewWebSocketMetrics(config.metricsProvider),
		connections: make(map[string]*websockets.Connection),
		shutdown:    make(chan struct{}),
	}
	l.unregisterDelivery = l.backplane.OnMessage(l.deliver)

	return l
}

// deliver queues a backplane message on a connection this listener owns.
// Connections owned by other listeners sharing the backplane are skipped.
// A connection whose queue is full loses the message; fan-out never waits.
func (l *Listener) deliver(ctx context.Context, connectionID string, msg morsel.Envelope) error {
	conn := l.Connection(connectionID)
	if conn == nil {
		return nil
	}

	return conn.TrySendEnvelope(ctx, msg)
}

// ServeWebsocket handles incoming HTTP requests and upgrades them to WebSocket connections.
// This method can be plugged directly into HTTP routers (e.g., chi, gorilla/mux, net/http).
// It returns once the connection has closed.
//
// Usage example:
//
//	listener, _ := server.NewListenerConfig().WithLogger(logger).WithBackplane(bp).Build()
//	http.HandleFunc("/hub", listener.ServeWebsocket)
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  l.config.originPatterns,
	})
	if err != nil {
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		l.metrics.RecordConnectionError(r.Context(), "accept_failed")
		return
	}

	// Check if we're shutting down
	select {
	case <-l.shutdown:
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	id := l.config.idGenerator()
	logger := l.logger.With(zap.String("connection_id", id))

	cfg := websockets.NewConnectionConfig().
		WithLogger(logger).
		WithRole(websockets.RoleServer).
		WithConnectionID(id).
		WithMethods(l.config.methods.Clone()).
		WithPipeline(middleware.Build(l.config.middleware...)).
		WithOptions(l.config.options).
		WithQueueSize(l.config.queueSize).
		WithPingInterval(l.config.pingInterval).
		WithReadTimeout(l.config.readTimeout).
		WithWriteTimeout(l.config.writeTimeout).
		WithMetrics(l.metrics).
		WithTracing(l.config.tracingProvider)

	connection, err := websockets.NewConnection(websockets.NewSocket(conn, l.config.readLimit), cfg)
	if err != nil {
		logger.Error("Failed to create connection", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "Internal error")
		return
	}

	connection.OnError(func(err error) {
		l.onError.Notify(ConnectionError{ConnectionID: id, Err: err})
	})

	hub := &Hub{listener: l, conn: connection}
	ctx := withHub(r.Context(), hub)

	l.track(ctx, id, connection)
	defer l.untrack(ctx, id)

	if err := l.backplane.ConnectionOpened(ctx, id); err != nil {
		logger.Error("Failed to register connection with backplane", zap.Error(err))
		connection.CloseWithStatus(websocket.StatusInternalError, "Internal error")
		return
	}

	started := time.Now()
	l.metrics.RecordConnectionStart(ctx)

	logger.Debug("WebSocket connection established",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
	)

	if err := connection.Start(ctx); err != nil {
		logger.Error("Failed to start connection", zap.Error(err))
	} else {
		if l.config.onConnected != nil {
			l.config.onConnected(ctx, hub)
		}
		<-connection.Done()
	}

	if err := l.backplane.ConnectionClosed(context.WithoutCancel(ctx), id); err != nil {
		logger.Warn("Failed to remove connection from backplane", zap.Error(err))
	}

	l.metrics.RecordConnectionEnd(ctx, time.Since(started))
	if cause := connection.Err(); cause != nil {
		l.metrics.RecordConnectionError(ctx, "abnormal_close")
	}

	if l.config.onDisconnected != nil {
		l.config.onDisconnected(ctx, hub, connection.Err())
	}
}

func (l *Listener) track(ctx context.Context, id string, conn *websockets.Connection) {
	l.connMutex.Lock()
	l.connections[id] = conn
	connCount := len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionActive(ctx, connCount)
	l.logger.Debug("WebSocket connection tracked",
		zap.String("connection_id", id),
		zap.Int("active_connections", connCount),
	)
}

func (l *Listener) untrack(ctx context.Context, id string) {
	l.connMutex.Lock()
	defer l.connMutex.Unlock()

	// Shutdown returns as soon as the map is empty, so log before that.
	l.logger.Debug("WebSocket connection removed from tracking",
		zap.String("connection_id", id),
		zap.Int("active_connections", len(l.connections)-1),
	)
	delete(l.connections, id)
	l.metrics.RecordConnectionActive(ctx, len(l.connections))
}

// Connection returns the connection with the given id if this listener owns it.
func (l *Listener) Connection(id string) *websockets.Connection {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return l.connections[id]
}

// ConnectionIDs returns the ids of every connection this listener owns.
func (l *Listener) ConnectionIDs() []string {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()

	ids := make([]string, 0, len(l.connections))
	for id := range l.connections {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionCount returns the current number of active WebSocket connections.
// This is useful for monitoring and health checks.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}

// Backplane returns the backplane the listener registers connections with.
func (l *Listener) Backplane() backplane.Backplane {
	return l.backplane
}

// Clients addresses connected clients from outside a hub method.
func (l *Listener) Clients() *Clients {
	return &Clients{backplane: l.backplane}
}

// Groups manages group membership from outside a hub method.
func (l *Listener) Groups() *Groups {
	return &Groups{backplane: l.backplane}
}

// OnError registers fn for errors raised by any connection in strict mode.
// It returns a function that removes the registration.
func (l *Listener) OnError(fn func(ConnectionError)) func() {
	return l.onError.Add(fn)
}

// Shutdown gracefully closes all active WebSocket connections and stops accepting new ones.
//
// The shutdown process:
//  1. Stop accepting new connections (returns StatusServiceRestart)
//  2. Close all active connections with StatusGoingAway
//  3. Wait for all connections to leave the backplane
//
// This method blocks until all connections are closed or the context is cancelled.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful WebSocket shutdown")

		// Signal no new connections
		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*websockets.Connection, 0, len(l.connections))
		for _, conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		if len(connections) == 0 {
			l.logger.Info("No active connections to close")
			return
		}

		l.logger.Info("Closing active WebSocket connections",
			zap.Int("connection_count", len(connections)),
		)

		for _, conn := range connections {
			go conn.CloseWithStatus(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			l.unregisterDelivery()
			l.logger.Info("All WebSocket connections closed successfully")
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
