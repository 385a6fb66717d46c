package websockets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Call is an outstanding invocation on the peer.
type Call struct {
	ID     string
	Method string

	conn   *Connection
	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

func newCall(conn *Connection, id, method string) *Call {
	return &Call{
		ID:     id,
		Method: method,
		conn:   conn,
		done:   make(chan struct{}),
	}
}

// complete never blocks; only the first completion counts.
func (c *Call) complete(result json.RawMessage, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// Done is closed once the call has a result or has failed.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the result arrives or ctx is done. If ctx ends first the
// call is abandoned: a result arriving later is discarded.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
	}

	// The result may have raced the cancellation.
	if _, pending := c.conn.takePending(c.ID); !pending {
		select {
		case <-c.done:
			return c.result, c.err
		default:
		}
	}
	c.complete(nil, ctx.Err())
	return nil, ctx.Err()
}

// Result waits for the call and decodes its result into v. A nil v, or a
// call that returned nothing, leaves v untouched.
func (c *Call) Result(ctx context.Context, v any) error {
	raw, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode result of %s: %w", c.Method, err)
	}
	return nil
}
