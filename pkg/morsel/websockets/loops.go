package websockets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/o11y"
	"go.uber.org/zap"
)

// readLoop reads, unwraps and routes frames. It never runs handlers itself.
func (c *Connection) readLoop(ctx context.Context) error {
	defer c.logger.Debug("Reader stopped", zap.String("connection_id", c.ID()))

	for {
		data, err := c.read(ctx)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			c.logger.Debug("Received empty frame, ignoring")
			continue
		}

		c.metrics.RecordMessageReceived(ctx, len(data))

		if err := c.pipeline.Receive(ctx, c.state, data, c.route); err != nil {
			if err := c.rejectFrame(ctx, data, err); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) read(ctx context.Context) ([]byte, error) {
	if c.readTimeout <= 0 {
		return c.socket.Read(ctx)
	}

	readCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	return c.socket.Read(readCtx)
}

// rejectFrame drops a frame that failed to unwrap or decode, or returns an
// error to tear the connection down under StrictInvalidMessage.
func (c *Connection) rejectFrame(ctx context.Context, data []byte, err error) error {
	if !errors.Is(err, morsel.ErrInvalidMessage) {
		err = fmt.Errorf("%w: %v", morsel.ErrInvalidMessage, err)
	}
	c.metrics.RecordMessageError(ctx, "invalid_message")

	if c.options.StrictInvalidMessage {
		c.logger.Error("Invalid frame, closing connection",
			zap.String("connection_id", c.ID()),
			zap.Error(err),
		)
		c.raise(err)
		return err
	}

	c.logger.Warn("Dropping invalid frame",
		zap.String("connection_id", c.ID()),
		zap.Error(err),
		zap.Int("data_length", len(data)),
	)
	return nil
}

// route is the last stage of the inbound pipeline.
func (c *Connection) route(ctx context.Context, data []byte) error {
	env, err := morsel.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	switch env.MessageType {
	case morsel.MessageTypeText:
		c.logger.Debug("Text message received",
			zap.String("connection_id", c.ID()),
			zap.String("text", env.Data),
		)
		c.onText.Notify(env.Data)
		return nil

	case morsel.MessageTypeConnectionEvent:
		return c.handleConnectionEvent(env.Data)
	}

	desc, err := env.Descriptor()
	if err != nil {
		return err
	}

	if desc.IsResult {
		c.handleResult(desc)
		return nil
	}

	go c.handleCall(ctx, desc)
	return nil
}

func (c *Connection) handleConnectionEvent(id string) error {
	if c.role == RoleServer {
		return fmt.Errorf("%w: connection event sent to a server", morsel.ErrInvalidMessage)
	}
	if id == "" {
		return fmt.Errorf("%w: connection event without an id", morsel.ErrInvalidMessage)
	}
	if current := c.ID(); current != "" {
		return fmt.Errorf("%w: duplicate connection event, id is already %s", morsel.ErrInvalidMessage, current)
	}

	c.markOpen(id)
	return nil
}

func (c *Connection) handleResult(desc *morsel.InvocationDescriptor) {
	if desc.InvocationId == "" && desc.Error == "" {
		c.logger.Debug("Discarding result without invocation id", zap.String("connection_id", c.ID()))
		return
	}
	if desc.InvocationId == "" {
		fault := &morsel.RemoteFaultError{ConnectionID: c.ID(), Message: desc.Error}
		if !c.options.StrictRemoteFault {
			c.logger.Debug("Discarding remote fault report", zap.Error(fault))
			return
		}
		c.logger.Warn("Remote fault reported", zap.Error(fault))
		c.raise(fault)
		return
	}

	call, ok := c.takePending(desc.InvocationId)
	if !ok {
		c.logger.Debug("Discarding result for unknown invocation",
			zap.String("connection_id", c.ID()),
			zap.String("invocation_id", desc.InvocationId),
		)
		return
	}

	if desc.Error != "" {
		call.complete(nil, &morsel.RemoteError{Method: call.Method, Message: desc.Error})
		return
	}
	call.complete(desc.Result, nil)
}

// handleCall runs on its own goroutine.
func (c *Connection) handleCall(ctx context.Context, desc *morsel.InvocationDescriptor) {
	reg, ok := c.methods.Lookup(desc.MethodName)
	if !ok {
		missing := &morsel.MissingMethodError{Method: desc.MethodName, Arguments: desc.Arguments}
		c.logger.Debug("Call to missing method",
			zap.String("connection_id", c.ID()),
			zap.String("method", desc.MethodName),
		)
		c.metrics.RecordMessageError(ctx, "missing_method")

		if c.options.StrictMissingMethod {
			c.raise(&morsel.InvalidRequestError{Method: desc.MethodName, Arguments: desc.Arguments})
		}
		c.replyError(ctx, desc, missing.Error())
		return
	}

	ctx = context.WithValue(ctx, connectionKey{}, c)
	ctx, span := o11y.StartSpan(ctx, c.tracing, "morsel.handle",
		o11y.Label{Key: "method", Value: reg.Name},
		o11y.Label{Key: "connection_id", Value: c.ID()},
	)
	recordDone := c.metrics.RecordInvocation(ctx, reg.Name)

	result, err := c.callHandler(ctx, reg, desc.Arguments)

	recordDone(err)
	o11y.EndSpan(span, err)

	// Nobody is left to answer.
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		fault := &morsel.HandlerFaultError{Method: reg.Name, Err: err}
		c.logger.Debug("Handler failed",
			zap.String("connection_id", c.ID()),
			zap.String("method", reg.Name),
			zap.Error(err),
		)
		if c.options.StrictHandlerFault {
			c.raise(fault)
		}
		c.replyError(ctx, desc, fault.Error())
		return
	}

	if !desc.ExpectsResponse() {
		return
	}

	reply, err := morsel.NewResult(desc.InvocationId, result)
	if err != nil {
		c.replyError(ctx, desc, err.Error())
		return
	}
	c.reply(ctx, reply)
}

func (c *Connection) callHandler(ctx context.Context, reg morsel.Registration, args morsel.Arguments) (result any, err error) {
	if err := reg.CheckArity(args); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panicked",
				zap.String("method", reg.Name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return reg.Handler(ctx, args)
}

// replyError answers a call with an error. A call that expects no response
// gets an unsolicited fault report instead.
func (c *Connection) replyError(ctx context.Context, desc *morsel.InvocationDescriptor, message string) {
	id := ""
	if desc.ExpectsResponse() {
		id = desc.InvocationId
	}
	c.reply(ctx, morsel.NewErrorResult(id, message))
}

func (c *Connection) reply(ctx context.Context, desc *morsel.InvocationDescriptor) {
	env, err := morsel.NewInvocationMessage(desc)
	if err == nil {
		err = c.enqueue(ctx, env)
	}
	if err != nil {
		c.logger.Debug("Failed to send reply",
			zap.String("connection_id", c.ID()),
			zap.String("invocation_id", desc.InvocationId),
			zap.Error(err),
		)
	}
}

// writeLoop is the only goroutine that writes to the socket.
func (c *Connection) writeLoop(ctx context.Context) error {
	defer c.logger.Debug("Writer stopped", zap.String("connection_id", c.ID()))

	var pings <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame := <-c.outbound:
			if err := c.writeFrame(ctx, frame); err != nil {
				return err
			}

		case <-pings:
			if err := c.ping(ctx); err != nil {
				return err
			}
		}
	}
}

// writeFrame runs the outbound pipeline. Only socket failures are fatal; a
// stage that rejects a frame just loses that frame.
func (c *Connection) writeFrame(ctx context.Context, frame outboundFrame) error {
	var socketErr error

	err := c.pipeline.Send(ctx, c.state, frame.data, func(ctx context.Context, data []byte) error {
		writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()

		if err := c.socket.Write(writeCtx, data); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.metrics.RecordWriteTimeout(ctx)
			}
			socketErr = err
			return err
		}

		c.metrics.RecordMessageSent(ctx, len(data), frame.kind.String())
		return nil
	})

	if socketErr != nil {
		return fmt.Errorf("failed to write frame: %w", socketErr)
	}
	if err != nil {
		c.logger.Warn("Outbound middleware rejected frame",
			zap.String("connection_id", c.ID()),
			zap.Stringer("message_type", frame.kind),
			zap.Error(err),
		)
		c.metrics.RecordMessageError(ctx, "outbound_middleware")
	}
	return nil
}

func (c *Connection) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := c.socket.Ping(pingCtx); err != nil {
		c.metrics.RecordPingFailure(ctx)
		return fmt.Errorf("ping failed: %w", err)
	}

	c.metrics.RecordPingSent(ctx)
	return nil
}
