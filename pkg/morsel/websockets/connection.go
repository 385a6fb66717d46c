package websockets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"github.com/tsarna/morsel/pkg/morsel/o11y"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Connection is one side of a MorseL session. Both sides may invoke methods
// on the other at any time once the connection is open.
type Connection struct {
	socket   Socket
	logger   *zap.Logger
	role     Role
	methods  *morsel.MethodTable
	pipeline *middleware.Pipeline
	state    *middleware.State
	options  morsel.Options
	metrics  *WebSocketMetrics
	tracing  o11y.TracingProvider

	assignedID   string
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	status         atomic.Int32
	nextID         atomic.Uint64
	closeRequested atomic.Bool

	// Guards ctx/cancel during Start and the close status.
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	closeCode   websocket.StatusCode
	closeReason string

	pendingMu     sync.Mutex
	pending       map[string]*Call
	pendingClosed bool

	outbound  chan outboundFrame
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error

	onConnected morsel.Observers[string]
	onClosed    morsel.Observers[error]
	onError     morsel.Observers[error]
	onText      morsel.Observers[string]
}

type outboundFrame struct {
	data []byte
	kind morsel.MessageType
}

type connectionKey struct{}

// ConnectionFromContext returns the connection a handler is running on.
func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey{}).(*Connection)
	return conn, ok
}

// NewConnection wraps socket. A nil config uses NewConnectionConfig() defaults.
func NewConnection(socket Socket, config *ConnectionConfig) (*Connection, error) {
	if socket == nil {
		return nil, fmt.Errorf("socket is required")
	}
	if config == nil {
		config = NewConnectionConfig()
	}
	if err := config.IsValid(); err != nil {
		return nil, err
	}

	methods := config.methods
	if methods == nil {
		methods = morsel.NewMethodTable()
	}
	pipeline := config.pipeline
	if pipeline == nil {
		pipeline = middleware.New()
	}

	c := &Connection{
		socket:       socket,
		logger:       config.logger,
		role:         config.role,
		methods:      methods,
		pipeline:     pipeline,
		state:        middleware.NewState(),
		options:      config.options,
		metrics:      config.metrics,
		tracing:      config.tracingProvider,
		pingInterval: config.pingInterval,
		readTimeout:  config.readTimeout,
		writeTimeout: config.writeTimeout,
		closeCode:    websocket.StatusNormalClosure,
		closeReason:  "connection closed",
		pending:      make(map[string]*Call),
		outbound:     make(chan outboundFrame, config.queueSize),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	if config.role == RoleServer {
		c.assignedID = config.connectionID
	}

	return c, nil
}

// Start launches the reader and writer. A server-side connection announces
// its id before anything else is written and is open when Start returns; a
// client-side connection opens when the announcement arrives (see Ready).
//
// Values carried by ctx are visible to every handler; cancelling ctx closes
// the connection.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.status.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		c.mu.Unlock()
		return fmt.Errorf("connection already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	group, groupCtx := errgroup.WithContext(c.ctx)

	if c.role == RoleServer {
		data, err := morsel.NewConnectionEvent(c.assignedID).Marshal()
		if err != nil {
			c.cancel()
			c.status.Store(int32(StateClosed))
			c.err = err
			close(c.done)
			return fmt.Errorf("failed to encode connection event: %w", err)
		}
		// The writer has not started yet, so this is the first frame out.
		c.outbound <- outboundFrame{data: data, kind: morsel.MessageTypeConnectionEvent}
		c.markOpen(c.assignedID)
	}

	group.Go(func() error { return c.readLoop(groupCtx) })
	group.Go(func() error { return c.writeLoop(groupCtx) })

	go c.finish(group)

	c.logger.Debug("Connection started", zap.Stringer("role", c.role))
	return nil
}

func (c *Connection) markOpen(id string) {
	c.state.SetConnectionID(id)
	if !c.status.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	c.readyOnce.Do(func() { close(c.ready) })

	c.logger.Debug("Connection open", zap.String("connection_id", id))
	c.onConnected.Notify(id)
}

// finish runs once both loops have returned.
func (c *Connection) finish(group *errgroup.Group) {
	loopErr := group.Wait()

	c.status.Store(int32(StateClosing))
	c.cancel()

	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if err := c.socket.Close(code, reason); err != nil {
		c.logger.Debug("Socket close error (may be expected)", zap.Error(err))
	}

	failed := c.failPending()

	cause := c.closeCause(loopErr)
	c.logger.Debug("Connection closed",
		zap.String("connection_id", c.ID()),
		zap.Int("abandoned_calls", failed),
		zap.NamedError("cause", cause),
	)

	c.err = cause
	c.status.Store(int32(StateClosed))
	close(c.done)

	c.onClosed.Notify(cause)
}

// closeCause reports nil for closes that were asked for by either side.
func (c *Connection) closeCause(err error) error {
	if err == nil || c.closeRequested.Load() {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return err
}

// Close closes the connection with a normal closure status and waits for
// both loops to stop. Calls still pending fail with morsel.ErrConnectionClosed.
//
// Close must not be called synchronously from an OnText or OnConnected
// observer, which run on the reader goroutine.
func (c *Connection) Close(reason string) error {
	return c.CloseWithStatus(websocket.StatusNormalClosure, reason)
}

// CloseWithStatus is Close with an explicit WebSocket close code.
func (c *Connection) CloseWithStatus(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	if c.status.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
		c.mu.Unlock()
		c.failPending()
		close(c.done)
		return c.socket.Close(code, reason)
	}
	if !c.closeRequested.Load() {
		c.closeCode, c.closeReason = code, reason
	}
	cancel := c.cancel
	c.mu.Unlock()

	c.closeRequested.Store(true)
	for {
		s := c.status.Load()
		if s != int32(StateConnecting) && s != int32(StateOpen) {
			break
		}
		if c.status.CompareAndSwap(s, int32(StateClosing)) {
			break
		}
	}

	// Closing the socket first lets the reader see the peer's close frame.
	if err := c.socket.Close(code, reason); err != nil {
		c.logger.Debug("Socket close error (may be expected)", zap.Error(err))
	}
	cancel()

	<-c.done
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.status.Load())
}

// ID returns the connection id, or "" until it is known.
func (c *Connection) ID() string {
	return c.state.ConnectionID()
}

func (c *Connection) Role() Role {
	return c.role
}

// Ready is closed when the connection becomes open.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed when the connection has fully closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed: nil for a requested or normal
// close, otherwise the transport or protocol error. It is nil while open.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Methods returns the table of methods the peer may invoke.
func (c *Connection) Methods() *morsel.MethodTable {
	return c.methods
}

// On registers a handler the peer may invoke. A later registration for the
// same name replaces an earlier one.
func (c *Connection) On(name string, arity int, handler morsel.Handler) {
	c.methods.Register(name, arity, handler)
}

// OnFunc registers a handler accepting any number of arguments.
func (c *Connection) OnFunc(name string, handler morsel.Handler) {
	c.methods.RegisterFunc(name, handler)
}

// OnConnected registers fn to be called with the connection id once open.
func (c *Connection) OnConnected(fn func(connectionID string)) func() {
	return c.onConnected.Add(fn)
}

// OnClosed registers fn to be called with the close cause once closed.
func (c *Connection) OnClosed(fn func(err error)) func() {
	return c.onClosed.Add(fn)
}

// OnError registers fn to receive protocol errors raised under the strict
// Options.
func (c *Connection) OnError(fn func(err error)) func() {
	return c.onError.Add(fn)
}

// OnText registers fn to receive Text messages from the peer.
func (c *Connection) OnText(fn func(text string)) func() {
	return c.onText.Add(fn)
}

func (c *Connection) raise(err error) {
	c.onError.Notify(err)
}

func (c *Connection) checkOpen() error {
	switch c.State() {
	case StateOpen:
		return nil
	case StateClosing, StateClosed:
		return morsel.ErrConnectionClosed
	default:
		return morsel.ErrNotConnected
	}
}

// Invoke calls method on the peer and returns a Call to await the result.
func (c *Connection) Invoke(ctx context.Context, method string, args ...any) (*Call, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	desc, err := morsel.NewCall(id, method, args...)
	if err != nil {
		return nil, err
	}
	env, err := morsel.NewInvocationMessage(desc)
	if err != nil {
		return nil, err
	}

	call := newCall(c, id, method)
	if err := c.addPending(call); err != nil {
		return nil, err
	}
	if err := c.enqueue(ctx, env); err != nil {
		c.takePending(id)
		return nil, err
	}

	return call, nil
}

// InvokeAs invokes method and decodes its result into a T.
func InvokeAs[T any](ctx context.Context, conn *Connection, method string, args ...any) (T, error) {
	var result T

	call, err := conn.Invoke(ctx, method, args...)
	if err != nil {
		return result, err
	}

	err = call.Result(ctx, &result)
	return result, err
}

// Send calls method on the peer without waiting for, or receiving, a result.
func (c *Connection) Send(ctx context.Context, method string, args ...any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	desc, err := morsel.NewCall("", method, args...)
	if err != nil {
		return err
	}
	env, err := morsel.NewInvocationMessage(desc)
	if err != nil {
		return err
	}

	return c.enqueue(ctx, env)
}

// SendEnvelope queues an already built envelope.
func (c *Connection) SendEnvelope(ctx context.Context, env morsel.Envelope) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.enqueue(ctx, env)
}

// TrySendEnvelope queues env without waiting. When the outbound queue is full
// the frame is dropped and ErrQueueFull returned.
func (c *Connection) TrySendEnvelope(ctx context.Context, env morsel.Envelope) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case c.outbound <- outboundFrame{data: data, kind: env.MessageType}:
		return nil
	default:
		c.logger.Warn("Outbound queue full, dropping message",
			zap.String("connection_id", c.ID()),
			zap.Int("message_type", int(env.MessageType)),
		)
		c.metrics.RecordMessageError(ctx, "queue_full")
		return morsel.ErrQueueFull
	}
}

// SendText sends a diagnostic Text message.
func (c *Connection) SendText(ctx context.Context, text string) error {
	return c.SendEnvelope(ctx, morsel.NewTextMessage(text))
}

// enqueue hands a frame to the writer, blocking while the queue is full.
func (c *Connection) enqueue(ctx context.Context, env morsel.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case c.outbound <- outboundFrame{data: data, kind: env.MessageType}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return morsel.ErrConnectionClosed
	}
}

func (c *Connection) addPending(call *Call) error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.pendingClosed {
		return morsel.ErrConnectionClosed
	}
	c.pending[call.ID] = call
	return nil
}

func (c *Connection) takePending(id string) (*Call, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return call, ok
}

// failPending completes every outstanding call with ErrConnectionClosed and
// refuses new ones.
func (c *Connection) failPending() int {
	c.pendingMu.Lock()
	calls := c.pending
	c.pending = make(map[string]*Call)
	c.pendingClosed = true
	c.pendingMu.Unlock()

	for _, call := range calls {
		call.complete(nil, morsel.ErrConnectionClosed)
	}
	return len(calls)
}

// PendingCount returns the number of calls awaiting a result.
func (c *Connection) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}
