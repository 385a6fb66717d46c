package backplane

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/tsarna/morsel/pkg/morsel"
	"go.uber.org/zap"
)

// IntentKind says how an Intent's Target is to be resolved.
type IntentKind string

const (
	IntentAll        IntentKind = "all"
	IntentGroup      IntentKind = "group"
	IntentConnection IntentKind = "connection"
)

// Intent is a send replicated between processes. Each receiving process
// resolves Target against its own local membership.
type Intent struct {
	Kind    IntentKind      `json:"kind"`
	Target  string          `json:"target,omitempty"`
	Message morsel.Envelope `json:"message"`
	Origin  string          `json:"origin"`
}

// IntentHandler receives intents published by any process.
type IntentHandler func(ctx context.Context, intent Intent)

// IntentBus is the cross-process transport Scaleout publishes to. Topics
// are slash-separated; patterns use MQTT wildcards (+ and #).
type IntentBus interface {
	Publish(ctx context.Context, topic string, intent Intent) error
	Subscribe(pattern string, handler IntentHandler) (unsubscribe func(), err error)
}

const topicPrefix = "morsel"

// Topic returns the bus topic an intent is published on.
func Topic(intent Intent) string {
	if intent.Kind == IntentAll {
		return topicPrefix + "/all"
	}
	return topicPrefix + "/" + string(intent.Kind) + "/" + url.PathEscape(intent.Target)
}

// Scaleout composes a local Backplane with an IntentBus. Membership
// operations stay local. Sends are delivered locally and published as
// intents, which sibling processes apply to their own local backplane.
type Scaleout struct {
	Backplane

	bus    IntentBus
	origin string
	logger *zap.Logger

	mu            sync.Mutex
	unsubscribers []func()
	connSubs      map[string]func()
}

// NewScaleout wraps local and starts consuming intents from bus.
func NewScaleout(local Backplane, bus IntentBus, logger *zap.Logger) (*Scaleout, error) {
	if local == nil {
		return nil, fmt.Errorf("local backplane is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("intent bus is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scaleout{
		Backplane: local,
		bus:       bus,
		origin:    ulid.Make().String(),
		logger:    logger,
		connSubs:  make(map[string]func()),
	}

	for _, pattern := range []string{topicPrefix + "/all", topicPrefix + "/group/+"} {
		unsub, err := bus.Subscribe(pattern, s.apply)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
		}
		s.unsubscribers = append(s.unsubscribers, unsub)
	}

	return s, nil
}

// Origin identifies this process on the bus.
func (s *Scaleout) Origin() string {
	return s.origin
}

// ConnectionOpened registers the connection locally and starts listening for
// intents addressed to it.
func (s *Scaleout) ConnectionOpened(ctx context.Context, connectionID string) error {
	if err := s.Backplane.ConnectionOpened(ctx, connectionID); err != nil {
		return err
	}

	topic := Topic(Intent{Kind: IntentConnection, Target: connectionID})
	unsub, err := s.bus.Subscribe(topic, s.apply)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	s.mu.Lock()
	if previous, ok := s.connSubs[connectionID]; ok {
		previous()
	}
	s.connSubs[connectionID] = unsub
	s.mu.Unlock()

	return nil
}

func (s *Scaleout) ConnectionClosed(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	unsub, ok := s.connSubs[connectionID]
	delete(s.connSubs, connectionID)
	s.mu.Unlock()

	if ok {
		unsub()
	}

	return s.Backplane.ConnectionClosed(ctx, connectionID)
}

func (s *Scaleout) SendToConnection(ctx context.Context, connectionID string, msg morsel.Envelope) error {
	return s.replicate(ctx, Intent{Kind: IntentConnection, Target: connectionID, Message: msg})
}

func (s *Scaleout) SendToGroup(ctx context.Context, group string, msg morsel.Envelope) error {
	return s.replicate(ctx, Intent{Kind: IntentGroup, Target: group, Message: msg})
}

func (s *Scaleout) SendToAll(ctx context.Context, msg morsel.Envelope) error {
	return s.replicate(ctx, Intent{Kind: IntentAll, Message: msg})
}

func (s *Scaleout) replicate(ctx context.Context, intent Intent) error {
	intent.Origin = s.origin

	if err := s.applyLocal(ctx, intent); err != nil {
		return err
	}

	if err := s.bus.Publish(ctx, Topic(intent), intent); err != nil {
		return fmt.Errorf("failed to replicate %s send: %w", intent.Kind, err)
	}
	return nil
}

// apply handles intents from the bus. Our own intents were already applied.
func (s *Scaleout) apply(ctx context.Context, intent Intent) {
	if intent.Origin == s.origin {
		return
	}

	if err := s.applyLocal(ctx, intent); err != nil {
		s.logger.Warn("Failed to apply replicated intent",
			zap.String("kind", string(intent.Kind)),
			zap.String("target", intent.Target),
			zap.String("origin", intent.Origin),
			zap.Error(err),
		)
	}
}

func (s *Scaleout) applyLocal(ctx context.Context, intent Intent) error {
	switch intent.Kind {
	case IntentAll:
		return s.Backplane.SendToAll(ctx, intent.Message)
	case IntentGroup:
		return s.Backplane.SendToGroup(ctx, intent.Target, intent.Message)
	case IntentConnection:
		return s.Backplane.SendToConnection(ctx, intent.Target, intent.Message)
	default:
		return fmt.Errorf("unknown intent kind %q", intent.Kind)
	}
}

// Close stops consuming intents. The local backplane is left untouched.
func (s *Scaleout) Close() {
	s.mu.Lock()
	unsubs := s.unsubscribers
	s.unsubscribers = nil
	for id, unsub := range s.connSubs {
		unsubs = append(unsubs, unsub)
		delete(s.connSubs, id)
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
