package client

import (
	"context"

	"github.com/tsarna/eventwire/pkg/eventwire/o11y"
)

// ManagerMetrics holds the instruments updated by a Manager. A nil
// *ManagerMetrics records nothing.
type ManagerMetrics struct {
	messagesSent      o11y.Counter
	messagesReceived  o11y.Counter
	messagesQueued    o11y.Counter
	messagesDropped   o11y.Counter
	parseErrors       o11y.Counter
	listenerErrors    o11y.Counter
	reconnects        o11y.Counter
	heartbeatTimeouts o11y.Counter
	queueLength       o11y.Gauge
	reconnectDelay    o11y.Histogram
}

// NewManagerMetrics returns nil when provider is nil.
func NewManagerMetrics(provider o11y.MetricsProvider) *ManagerMetrics {
	if provider == nil {
		return nil
	}

	return &ManagerMetrics{
		messagesSent:      provider.Counter("client_messages_sent_total"),
		messagesReceived:  provider.Counter("client_messages_received_total"),
		messagesQueued:    provider.Counter("client_messages_queued_total"),
		messagesDropped:   provider.Counter("client_messages_dropped_total"),
		parseErrors:       provider.Counter("client_parse_errors_total"),
		listenerErrors:    provider.Counter("client_listener_errors_total"),
		reconnects:        provider.Counter("client_reconnects_scheduled_total"),
		heartbeatTimeouts: provider.Counter("client_heartbeat_timeouts_total"),
		queueLength:       provider.Gauge("client_queue_length"),
		reconnectDelay:    provider.Histogram("client_reconnect_delay_seconds"),
	}
}

func (m *ManagerMetrics) RecordSent(ctx context.Context, typ string) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, o11y.Label{Key: "type", Value: typ})
}

func (m *ManagerMetrics) RecordReceived(ctx context.Context, typ string) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1, o11y.Label{Key: "type", Value: typ})
}

func (m *ManagerMetrics) RecordQueued(ctx context.Context, length int, dropped bool) {
	if m == nil {
		return
	}
	m.messagesQueued.Add(ctx, 1)
	if dropped {
		m.messagesDropped.Add(ctx, 1)
	}
	m.queueLength.Set(ctx, float64(length))
}

func (m *ManagerMetrics) RecordQueueLength(ctx context.Context, length int) {
	if m == nil {
		return
	}
	m.queueLength.Set(ctx, float64(length))
}

func (m *ManagerMetrics) RecordParseError(ctx context.Context) {
	if m == nil {
		return
	}
	m.parseErrors.Add(ctx, 1)
}

func (m *ManagerMetrics) RecordListenerErrors(ctx context.Context, typ string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.listenerErrors.Add(ctx, int64(count), o11y.Label{Key: "type", Value: typ})
}

func (m *ManagerMetrics) RecordReconnectScheduled(ctx context.Context, delaySeconds float64) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
	m.reconnectDelay.Record(ctx, delaySeconds)
}

func (m *ManagerMetrics) RecordHeartbeatTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Add(ctx, 1)
}
