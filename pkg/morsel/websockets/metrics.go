package websockets

import (
	"context"
	"time"

	"github.com/tsarna/morsel/pkg/morsel/o11y"
)

// WebSocketMetrics holds the instruments shared by connections and the
// listener that hosts them. A nil *WebSocketMetrics records nothing.
type WebSocketMetrics struct {
	// Connection metrics
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram
	connectionErrors   o11y.Counter

	// Frame metrics
	messagesReceived o11y.Counter
	messagesSent     o11y.Counter
	messageErrors    o11y.Counter
	messageSize      o11y.Histogram

	// Handler metrics, labelled by method
	invocationsTotal   o11y.Counter
	invocationDuration o11y.Histogram
	invocationErrors   o11y.Counter

	// Health metrics
	pingsSent     o11y.Counter
	pingFailures  o11y.Counter
	writeTimeouts o11y.Counter
}

// NewWebSocketMetrics returns nil when provider is nil.
func NewWebSocketMetrics(provider o11y.MetricsProvider) *WebSocketMetrics {
	if provider == nil {
		return nil
	}

	return &WebSocketMetrics{
		activeConnections:  provider.Gauge("websocket_active_connections"),
		totalConnections:   provider.Counter("websocket_connections_total"),
		connectionDuration: provider.Histogram("websocket_connection_duration_seconds"),
		connectionErrors:   provider.Counter("websocket_connection_errors_total"),

		messagesReceived: provider.Counter("websocket_messages_received_total"),
		messagesSent:     provider.Counter("websocket_messages_sent_total"),
		messageErrors:    provider.Counter("websocket_message_errors_total"),
		messageSize:      provider.Histogram("websocket_message_size_bytes"),

		invocationsTotal:   provider.Counter("morsel_invocations_total"),
		invocationDuration: provider.Histogram("morsel_invocation_duration_seconds"),
		invocationErrors:   provider.Counter("morsel_invocation_errors_total"),

		pingsSent:     provider.Counter("websocket_pings_sent_total"),
		pingFailures:  provider.Counter("websocket_ping_failures_total"),
		writeTimeouts: provider.Counter("websocket_write_timeouts_total"),
	}
}

// RecordConnectionStart counts an accepted connection.
func (m *WebSocketMetrics) RecordConnectionStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
}

// RecordConnectionActive updates the active connection count.
func (m *WebSocketMetrics) RecordConnectionActive(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(count))
}

// RecordConnectionEnd records how long a connection lived.
func (m *WebSocketMetrics) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordConnectionError records upgrade failures and similar.
func (m *WebSocketMetrics) RecordConnectionError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.Label{Key: "error_type", Value: errorType})
}

// RecordMessageReceived is called for every raw inbound frame.
func (m *WebSocketMetrics) RecordMessageReceived(ctx context.Context, sizeBytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1)
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "received"})
}

// RecordMessageSent is called for every frame written to the socket.
func (m *WebSocketMetrics) RecordMessageSent(ctx context.Context, sizeBytes int, messageType string) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, o11y.Label{Key: "type", Value: messageType})
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "sent"})
}

// RecordMessageError counts frames that were dropped or rejected.
func (m *WebSocketMetrics) RecordMessageError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.messageErrors.Add(ctx, 1, o11y.Label{Key: "error_type", Value: errorType})
}

// RecordInvocation records the start of a handler call and returns a
// function that records its completion.
//
//	done := metrics.RecordInvocation(ctx, "Echo")
//	defer done(err)
func (m *WebSocketMetrics) RecordInvocation(ctx context.Context, method string) func(error) {
	if m == nil {
		return func(error) {}
	}

	start := time.Now()
	label := o11y.Label{Key: "method", Value: method}
	m.invocationsTotal.Add(ctx, 1, label)

	return func(err error) {
		m.invocationDuration.Record(ctx, time.Since(start).Seconds(), label)
		if err != nil {
			m.invocationErrors.Add(ctx, 1, label)
		}
	}
}

// RecordPingSent counts a successful ping.
func (m *WebSocketMetrics) RecordPingSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.pingsSent.Add(ctx, 1)
}

// RecordPingFailure counts a ping that got no pong in time.
func (m *WebSocketMetrics) RecordPingFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.pingFailures.Add(ctx, 1)
}

// RecordWriteTimeout counts a frame write that exceeded the write timeout.
func (m *WebSocketMetrics) RecordWriteTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.writeTimeouts.Add(ctx, 1)
}
