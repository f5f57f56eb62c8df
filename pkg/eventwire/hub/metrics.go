package hub

import (
	"context"
	"time"

	"github.com/tsarna/eventwire/pkg/eventwire/o11y"
)

// HubMetrics defines the standard metrics collected by the hub.
// A nil *HubMetrics records nothing.
type HubMetrics struct {
	// Connection metrics
	activeClients      o11y.Gauge     // Current number of registered clients
	totalConnections   o11y.Counter   // Total number of connections accepted
	connectionDuration o11y.Histogram // Lifetime of a connection
	connectionErrors   o11y.Counter   // Upgrade failures and connections refused during shutdown
	evictions          o11y.Counter   // Clients terminated for missing heartbeats

	// Message metrics
	messagesReceived o11y.Counter   // Frames received from clients, by type
	messagesSent     o11y.Counter   // Frames handed to client queues, by type
	sendFailures     o11y.Counter   // Frames that could not be queued, by type
	protocolErrors   o11y.Counter   // Error frames sent, by code
	messageSize      o11y.Histogram // Size of received frames in bytes

	// Broadcast metrics
	broadcasts          o11y.Counter   // Broadcast calls, by topic
	broadcastRecipients o11y.Histogram // Clients reached per broadcast
}

// NewHubMetrics returns nil if provider is nil.
func NewHubMetrics(provider o11y.MetricsProvider) *HubMetrics {
	if provider == nil {
		return nil
	}

	return &HubMetrics{
		activeClients:      provider.Gauge("hub_active_clients"),
		totalConnections:   provider.Counter("hub_connections_total"),
		connectionDuration: provider.Histogram("hub_connection_duration_seconds"),
		connectionErrors:   provider.Counter("hub_connection_errors_total"),
		evictions:          provider.Counter("hub_heartbeat_evictions_total"),

		messagesReceived: provider.Counter("hub_messages_received_total"),
		messagesSent:     provider.Counter("hub_messages_sent_total"),
		sendFailures:     provider.Counter("hub_send_failures_total"),
		protocolErrors:   provider.Counter("hub_protocol_errors_total"),
		messageSize:      provider.Histogram("hub_message_size_bytes"),

		broadcasts:          provider.Counter("hub_broadcasts_total"),
		broadcastRecipients: provider.Histogram("hub_broadcast_recipients"),
	}
}

// Connection lifecycle metrics

func (m *HubMetrics) RecordConnectionStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
}

func (m *HubMetrics) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordConnectionError records a failed or refused connection. reason is
// used as a label, e.g. "upgrade_failed" or "shutting_down".
func (m *HubMetrics) RecordConnectionError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

func (m *HubMetrics) RecordActiveClients(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeClients.Set(ctx, float64(count))
}

func (m *HubMetrics) RecordEviction(ctx context.Context) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1)
}

// Message metrics

func (m *HubMetrics) RecordMessageReceived(ctx context.Context, typ string, size int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1, o11y.Label{Key: "type", Value: typ})
	m.messageSize.Record(ctx, float64(size))
}

func (m *HubMetrics) RecordMessageSent(ctx context.Context, typ string) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, o11y.Label{Key: "type", Value: typ})
}

func (m *HubMetrics) RecordSendFailure(ctx context.Context, typ string) {
	if m == nil {
		return
	}
	m.sendFailures.Add(ctx, 1, o11y.Label{Key: "type", Value: typ})
}

func (m *HubMetrics) RecordProtocolError(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.protocolErrors.Add(ctx, 1, o11y.Label{Key: "code", Value: code})
}

func (m *HubMetrics) RecordBroadcast(ctx context.Context, topic string, recipients int) {
	if m == nil {
		return
	}
	m.broadcasts.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic})
	m.broadcastRecipients.Record(ctx, float64(recipients))
}
