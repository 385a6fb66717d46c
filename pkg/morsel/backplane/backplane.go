// Package backplane tracks which connections a process owns and which groups
// they belong to, and turns sends addressed to a connection, a group or
// everyone into one delivery event per resolved local connection.
//
// Membership is always process-local. Scale-out is achieved by replicating
// delivery intent (Scaleout) so every process resolves its own members.
package backplane

import (
	"context"

	"github.com/tsarna/morsel/pkg/morsel"
)

// DeliveryHandler is called once per resolved target connection. The hosting
// layer writes msg to that connection's socket.
type DeliveryHandler func(ctx context.Context, connectionID string, msg morsel.Envelope) error

// Backplane is the registry and fan-out contract a hosting layer talks to.
// All methods are safe for concurrent use.
type Backplane interface {
	ConnectionOpened(ctx context.Context, connectionID string) error
	ConnectionClosed(ctx context.Context, connectionID string) error

	Subscribe(ctx context.Context, group, connectionID string) error
	Unsubscribe(ctx context.Context, group, connectionID string) error
	SubscribeAll(ctx context.Context, group string) error
	UnsubscribeAll(ctx context.Context, group string) error

	SendToConnection(ctx context.Context, connectionID string, msg morsel.Envelope) error
	SendToGroup(ctx context.Context, group string, msg morsel.Envelope) error
	SendToAll(ctx context.Context, msg morsel.Envelope) error

	// OnMessage registers a delivery handler and returns its unregister func.
	OnMessage(handler DeliveryHandler) func()

	Connections() []string
	Groups() []string
	Members(group string) []string
	Subscriptions(connectionID string) []string
}
