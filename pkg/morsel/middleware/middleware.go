// Package middleware implements the ordered transform chain a connection runs
// over every outbound frame before it reaches the socket, and over every
// inbound frame before it is decoded.
//
// Both directions walk the registered stages in registration order. Each stage
// is its own inverse: a stage that encodes on Send must decode on Receive, so
// the pipeline as a whole is transparent to the payload. A stage that returns
// without calling next drops the frame.
package middleware

import (
	"context"
	"sync"
)

// Next passes data to the following stage, or to the socket (Send) or the
// envelope decoder (Receive) after the last stage.
type Next func(ctx context.Context, data []byte) error

// Middleware is one stage of a Pipeline.
type Middleware interface {
	Send(ctx context.Context, state *State, data []byte, next Next) error
	Receive(ctx context.Context, state *State, data []byte, next Next) error
}

// Factory constructs a stage. Servers call it once per accepted connection so
// stages may keep per-connection state.
type Factory func() Middleware

// Shared returns a Factory that hands every connection the same stage.
func Shared(m Middleware) Factory {
	return func() Middleware { return m }
}

// State is the per-connection object handed to every stage. It carries the
// connection id once known and a bag of values stages may use to keep state
// (a cipher context, counters) across frames.
type State struct {
	mu           sync.RWMutex
	connectionID string
	values       sync.Map
}

// NewState returns an empty State.
func NewState() *State {
	return &State{}
}

// ConnectionID returns the connection id, or "" before it is assigned.
func (s *State) ConnectionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionID
}

// SetConnectionID records the id assigned to the connection.
func (s *State) SetConnectionID(id string) {
	s.mu.Lock()
	s.connectionID = id
	s.mu.Unlock()
}

// Load returns a value stored by a stage.
func (s *State) Load(key any) (any, bool) {
	return s.values.Load(key)
}

// Store saves a value for later frames on the same connection.
func (s *State) Store(key, value any) {
	s.values.Store(key, value)
}

// LoadOrStore returns the existing value for key, storing value if absent.
func (s *State) LoadOrStore(key, value any) (any, bool) {
	return s.values.LoadOrStore(key, value)
}

// Funcs adapts a pair of functions to Middleware. A nil function passes data
// through unchanged.
type Funcs struct {
	SendFunc    func(ctx context.Context, state *State, data []byte, next Next) error
	ReceiveFunc func(ctx context.Context, state *State, data []byte, next Next) error
}

func (f Funcs) Send(ctx context.Context, state *State, data []byte, next Next) error {
	if f.SendFunc == nil {
		return next(ctx, data)
	}
	return f.SendFunc(ctx, state, data, next)
}

func (f Funcs) Receive(ctx context.Context, state *State, data []byte, next Next) error {
	if f.ReceiveFunc == nil {
		return next(ctx, data)
	}
	return f.ReceiveFunc(ctx, state, data, next)
}
