// Package relay provides hub methods that let clients join groups and pass
// messages to each other through the backplane. The morsel server command
// serves them by default.
//
// Relayed messages reach their targets as a fire-and-forget call to
//
//	Receive(group, from, payload)
//
// where group is "" for Broadcast and Whisper, from is the sender's
// connection id and payload is passed through unchanged.
package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/websockets/server"
)

// ReceiveMethod is the client method relayed messages are delivered to.
const ReceiveMethod = "Receive"

var ErrNoHub = errors.New("relay methods must be served by a morsel hub")

// Methods returns a new method table holding only the relay methods.
func Methods() *morsel.MethodTable {
	return Register(morsel.NewMethodTable())
}

// Register adds the relay methods to t and returns it.
func Register(t *morsel.MethodTable) *morsel.MethodTable {
	return t.
		Register("Echo", 1, echo).
		Register("ConnectionId", 0, connectionID).
		Register("Join", 1, join).
		Register("Leave", 1, leave).
		Register("Publish", 2, publish).
		Register("Broadcast", 1, broadcast).
		Register("Whisper", 2, whisper)
}

func hub(ctx context.Context) (*server.Hub, error) {
	h, ok := server.HubFromContext(ctx)
	if !ok {
		return nil, ErrNoHub
	}
	return h, nil
}

func echo(ctx context.Context, args morsel.Arguments) (any, error) {
	var v json.RawMessage
	if err := args.Bind(0, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func connectionID(ctx context.Context, args morsel.Arguments) (any, error) {
	h, err := hub(ctx)
	if err != nil {
		return nil, err
	}
	return h.ConnectionID(), nil
}

func join(ctx context.Context, args morsel.Arguments) (any, error) {
	return nil, membership(ctx, args, (*server.Groups).Add)
}

func leave(ctx context.Context, args morsel.Arguments) (any, error) {
	return nil, membership(ctx, args, (*server.Groups).Remove)
}

func membership(ctx context.Context, args morsel.Arguments, op func(*server.Groups, context.Context, string, string) error) error {
	h, err := hub(ctx)
	if err != nil {
		return err
	}

	var group string
	if err := args.Bind(0, &group); err != nil {
		return err
	}
	if group == "" {
		return errors.New("group name must not be empty")
	}

	return op(h.Groups(), ctx, group, h.ConnectionID())
}

func publish(ctx context.Context, args morsel.Arguments) (any, error) {
	h, err := hub(ctx)
	if err != nil {
		return nil, err
	}

	var group string
	var payload json.RawMessage
	if err := args.BindAll(&group, &payload); err != nil {
		return nil, err
	}

	return nil, h.Clients().Group(group).Invoke(ctx, ReceiveMethod, group, h.ConnectionID(), payload)
}

func broadcast(ctx context.Context, args morsel.Arguments) (any, error) {
	h, err := hub(ctx)
	if err != nil {
		return nil, err
	}

	var payload json.RawMessage
	if err := args.Bind(0, &payload); err != nil {
		return nil, err
	}

	return nil, h.Clients().All().Invoke(ctx, ReceiveMethod, "", h.ConnectionID(), payload)
}

func whisper(ctx context.Context, args morsel.Arguments) (any, error) {
	h, err := hub(ctx)
	if err != nil {
		return nil, err
	}

	var to string
	var payload json.RawMessage
	if err := args.BindAll(&to, &payload); err != nil {
		return nil, err
	}

	return nil, h.Clients().Client(to).Invoke(ctx, ReceiveMethod, "", h.ConnectionID(), payload)
}
