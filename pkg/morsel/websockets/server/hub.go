package server

import (
	"context"

	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/backplane"
	"github.com/tsarna/morsel/pkg/morsel/websockets"
)

type hubKey struct{}

func withHub(ctx context.Context, hub *Hub) context.Context {
	return context.WithValue(ctx, hubKey{}, hub)
}

// HubFromContext returns the Hub of the connection a hub method is serving.
// It is available in every handler run by a Listener, and in the
// ConnectedFunc/DisconnectedFunc callbacks.
func HubFromContext(ctx context.Context) (*Hub, bool) {
	hub, ok := ctx.Value(hubKey{}).(*Hub)
	return hub, ok
}

// Hub is the server-side view of one connection: who is calling, and how
// to reach other clients and groups through the backplane.
type Hub struct {
	listener *Listener
	conn     *websockets.Connection
}

// ConnectionID returns the id the server assigned to the caller.
func (h *Hub) ConnectionID() string {
	return h.conn.ID()
}

// Caller returns the calling connection. Invoke on it to call back into
// the client and wait for a result.
func (h *Hub) Caller() *websockets.Connection {
	return h.conn
}

func (h *Hub) Clients() *Clients {
	return h.listener.Clients()
}

func (h *Hub) Groups() *Groups {
	return h.listener.Groups()
}

// ClientProxy invokes a client method on one or more connections. Calls
// made through a proxy are fire-and-forget: no result comes back.
type ClientProxy interface {
	Invoke(ctx context.Context, method string, args ...any) error
}

type proxyFunc func(ctx context.Context, msg morsel.Envelope) error

func (p proxyFunc) Invoke(ctx context.Context, method string, args ...any) error {
	desc, err := morsel.NewCall("", method, args...)
	if err != nil {
		return err
	}

	msg, err := morsel.NewInvocationMessage(desc)
	if err != nil {
		return err
	}

	return p(ctx, msg)
}

// Clients addresses connections by id, by group or all at once.
type Clients struct {
	backplane backplane.Backplane
}

// All addresses every connection.
func (c *Clients) All() ClientProxy {
	return proxyFunc(c.backplane.SendToAll)
}

// Group addresses the members of group.
func (c *Clients) Group(group string) ClientProxy {
	return proxyFunc(func(ctx context.Context, msg morsel.Envelope) error {
		return c.backplane.SendToGroup(ctx, group, msg)
	})
}

// Client addresses a single connection.
func (c *Clients) Client(connectionID string) ClientProxy {
	return proxyFunc(func(ctx context.Context, msg morsel.Envelope) error {
		return c.backplane.SendToConnection(ctx, connectionID, msg)
	})
}

// Groups manages group membership.
type Groups struct {
	backplane backplane.Backplane
}

// Add puts a connection into group.
func (g *Groups) Add(ctx context.Context, group, connectionID string) error {
	return g.backplane.Subscribe(ctx, group, connectionID)
}

// Remove takes a connection out of group.
func (g *Groups) Remove(ctx context.Context, group, connectionID string) error {
	return g.backplane.Unsubscribe(ctx, group, connectionID)
}

// AddAll puts every current connection into group.
func (g *Groups) AddAll(ctx context.Context, group string) error {
	return g.backplane.SubscribeAll(ctx, group)
}

// RemoveAll empties group.
func (g *Groups) RemoveAll(ctx context.Context, group string) error {
	return g.backplane.UnsubscribeAll(ctx, group)
}

// Members returns the connections currently in group.
func (g *Groups) Members(group string) []string {
	return g.backplane.Members(group)
}
