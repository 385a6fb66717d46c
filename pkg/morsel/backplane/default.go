package backplane

import (
	"context"
	"fmt"

	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/o11y"
	"go.uber.org/zap"
)

// DefaultBackplane is the process-local Backplane. It delivers only to
// connections registered with it.
type DefaultBackplane struct {
	registry *registry
	handlers morsel.Observers[delivery]

	logger          *zap.Logger
	name            string
	metrics         *backplaneMetrics
	tracingProvider o11y.TracingProvider
}

// delivery is what the handler observers are notified with.
type delivery struct {
	ctx          context.Context
	connectionID string
	msg          morsel.Envelope
}

// New returns a DefaultBackplane with default settings.
func New(logger *zap.Logger) *DefaultBackplane {
	bp, _ := NewBackplane().WithLogger(logger).Build()
	return bp
}

func (b *DefaultBackplane) ConnectionOpened(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return fmt.Errorf("connection id is required")
	}

	if b.registry.addConnection(connectionID) {
		b.logger.Debug("Connection opened", zap.String("connection_id", connectionID))
		b.metrics.recordConnections(ctx, len(b.registry.connectionIDs()))
	}
	return nil
}

func (b *DefaultBackplane) ConnectionClosed(ctx context.Context, connectionID string) error {
	groups := b.registry.removeConnection(connectionID)

	b.logger.Debug("Connection closed",
		zap.String("connection_id", connectionID),
		zap.Strings("groups", groups),
	)
	b.metrics.recordConnections(ctx, len(b.registry.connectionIDs()))
	b.metrics.recordGroups(ctx, len(b.registry.groupNames()))
	return nil
}

func (b *DefaultBackplane) Subscribe(ctx context.Context, group, connectionID string) error {
	if group == "" {
		return fmt.Errorf("group is required")
	}
	if connectionID == "" {
		return fmt.Errorf("connection id is required")
	}

	if !b.registry.subscribe(group, connectionID) {
		b.logger.Debug("Ignoring subscribe for unknown connection",
			zap.String("group", group),
			zap.String("connection_id", connectionID),
		)
		return nil
	}

	b.logger.Debug("Subscribed",
		zap.String("group", group),
		zap.String("connection_id", connectionID),
	)
	b.metrics.recordMembership(ctx, "subscribe")
	b.metrics.recordGroups(ctx, len(b.registry.groupNames()))
	return nil
}

// Unsubscribe is a no-op when the group does not exist or connectionID is not a member.
func (b *DefaultBackplane) Unsubscribe(ctx context.Context, group, connectionID string) error {
	if group == "" {
		return fmt.Errorf("group is required")
	}
	if connectionID == "" {
		return fmt.Errorf("connection id is required")
	}

	if b.registry.unsubscribe(group, connectionID) {
		b.logger.Debug("Unsubscribed",
			zap.String("group", group),
			zap.String("connection_id", connectionID),
		)
		b.metrics.recordMembership(ctx, "unsubscribe")
		b.metrics.recordGroups(ctx, len(b.registry.groupNames()))
	}
	return nil
}

// SubscribeAll subscribes every connection known at the time of the call.
func (b *DefaultBackplane) SubscribeAll(ctx context.Context, group string) error {
	for _, id := range b.registry.connectionIDs() {
		if err := b.Subscribe(ctx, group, id); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeAll unsubscribes every connection known at the time of the call.
func (b *DefaultBackplane) UnsubscribeAll(ctx context.Context, group string) error {
	for _, id := range b.registry.connectionIDs() {
		if err := b.Unsubscribe(ctx, group, id); err != nil {
			return err
		}
	}
	return nil
}

// SendToConnection delivers msg if connectionID is registered here; otherwise it does nothing.
func (b *DefaultBackplane) SendToConnection(ctx context.Context, connectionID string, msg morsel.Envelope) error {
	ctx, span := o11y.StartSpan(ctx, b.tracingProvider, "backplane.send_to_connection",
		o11y.Label{Key: "connection_id", Value: connectionID})
	defer span.End()

	if !b.registry.hasConnection(connectionID) {
		b.logger.Debug("Send to unknown connection ignored", zap.String("connection_id", connectionID))
		return nil
	}

	b.deliver(ctx, "connection", []string{connectionID}, msg)
	return nil
}

// SendToGroup delivers msg to every current member of group.
func (b *DefaultBackplane) SendToGroup(ctx context.Context, group string, msg morsel.Envelope) error {
	ctx, span := o11y.StartSpan(ctx, b.tracingProvider, "backplane.send_to_group",
		o11y.Label{Key: "group", Value: group})
	defer span.End()

	b.deliver(ctx, "group", b.registry.members(group), msg)
	return nil
}

// SendToAll delivers msg to every registered connection.
func (b *DefaultBackplane) SendToAll(ctx context.Context, msg morsel.Envelope) error {
	ctx, span := o11y.StartSpan(ctx, b.tracingProvider, "backplane.send_to_all")
	defer span.End()

	b.deliver(ctx, "all", b.registry.connectionIDs(), msg)
	return nil
}

func (b *DefaultBackplane) OnMessage(handler DeliveryHandler) func() {
	return b.handlers.Add(func(d delivery) {
		if err := handler(d.ctx, d.connectionID, d.msg); err != nil {
			b.logger.Warn("Delivery handler failed",
				zap.String("connection_id", d.connectionID),
				zap.Error(err),
			)
			b.metrics.recordDeliveryError(d.ctx)
		}
	})
}

// deliver raises one delivery event per target. It runs without holding any
// registry lock, so handlers may call back into the backplane.
func (b *DefaultBackplane) deliver(ctx context.Context, scope string, targets []string, msg morsel.Envelope) {
	for _, id := range targets {
		b.handlers.Notify(delivery{ctx: ctx, connectionID: id, msg: msg})
	}
	b.metrics.recordDeliveries(ctx, scope, len(targets))
}

func (b *DefaultBackplane) Connections() []string {
	return b.registry.connectionIDs()
}

func (b *DefaultBackplane) Groups() []string {
	return b.registry.groupNames()
}

func (b *DefaultBackplane) Members(group string) []string {
	return b.registry.members(group)
}

func (b *DefaultBackplane) Subscriptions(connectionID string) []string {
	return b.registry.subscriptionsOf(connectionID)
}
