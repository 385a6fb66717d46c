package backplane

import (
	"context"

	"github.com/tsarna/morsel/pkg/morsel/o11y"
)

// backplaneMetrics is nil when no provider is configured; every method is
// safe to call on a nil receiver.
type backplaneMetrics struct {
	activeConnections o11y.Gauge
	activeGroups      o11y.Gauge
	membershipOps     o11y.Counter
	deliveries        o11y.Counter
	deliveryErrors    o11y.Counter
}

func newBackplaneMetrics(provider o11y.MetricsProvider) *backplaneMetrics {
	return &backplaneMetrics{
		activeConnections: provider.Gauge("backplane_active_connections"),
		activeGroups:      provider.Gauge("backplane_active_groups"),
		membershipOps:     provider.Counter("backplane_membership_operations_total"),
		deliveries:        provider.Counter("backplane_deliveries_total"),
		deliveryErrors:    provider.Counter("backplane_delivery_errors_total"),
	}
}

func (m *backplaneMetrics) recordConnections(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(count))
}

func (m *backplaneMetrics) recordGroups(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeGroups.Set(ctx, float64(count))
}

func (m *backplaneMetrics) recordMembership(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.membershipOps.Add(ctx, 1, o11y.Label{Key: "operation", Value: op})
}

func (m *backplaneMetrics) recordDeliveries(ctx context.Context, scope string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.deliveries.Add(ctx, int64(count), o11y.Label{Key: "scope", Value: scope})
}

func (m *backplaneMetrics) recordDeliveryError(ctx context.Context) {
	if m == nil {
		return
	}
	m.deliveryErrors.Add(ctx, 1)
}
