package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// ErrDestroyed is returned by every mutating call made after Destroy.
var ErrDestroyed = errors.New("connection manager has been destroyed")

var errNotConnected = errors.New("not connected")

type managerConfig struct {
	url                  string
	maxReconnectAttempts int
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	dialTimeout          time.Duration
	writeTimeout         time.Duration
	headers              http.Header
	backoff              Backoff
	queue                *outboundQueue
	logger               *zap.Logger
	clock                clock.Clock
	dialer               Dialer
	monitor              Monitor
	metrics              *ManagerMetrics
}

// Manager maintains one logical connection to a hub across any number of
// physical transports.
//
// All state transitions happen under a single mutex. Every transport is
// tagged with a generation number; events from a retired transport are
// ignored. Listeners and monitor callbacks run after the mutex is released.
type Manager struct {
	managerConfig

	clientID  string
	ctx       context.Context
	cancel    context.CancelFunc
	listeners *listenerRegistry

	mu                sync.Mutex
	state             State
	destroyed         bool
	gen               uint64
	transport         Transport
	reconnectAttempts int
	subscriptions     *hashset.Set
	lastError         error
	connectedAt       time.Time
	disconnectedAt    time.Time
	messagesSent      uint64
	messagesReceived  uint64

	heartbeatTimer        clock.Timer
	heartbeatTimeoutTimer clock.Timer
	heartbeatTimeoutSeq   uint64
	reconnectTimer        clock.Timer
	reconnectSeq          uint64

	// deferred callbacks, run by unlock
	notes []func()
}

// Stats is a point-in-time view of a Manager.
type Stats struct {
	State             State         `json:"connectionState"`
	ClientID          string        `json:"clientId"`
	Uptime            time.Duration `json:"uptime"`
	MessagesSent      uint64        `json:"messagesSent"`
	MessagesReceived  uint64        `json:"messagesReceived"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	Subscriptions     []string      `json:"subscriptions"`
	LastError         string        `json:"lastError,omitempty"`
	QueueLength       int           `json:"queueLength"`
	Dropped           uint64        `json:"dropped"`
	ConnectedAt       time.Time     `json:"connectedAt,omitzero"`
	DisconnectedAt    time.Time     `json:"disconnectedAt,omitzero"`
}

type heartbeatPayload struct {
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId"`
}

func newManager(cfg managerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	clientID := fmt.Sprintf("client-%d-%s", cfg.clock.Now().UnixMilli(), uuid.NewString()[:8])
	cfg.logger = cfg.logger.With(zap.String("clientId", clientID))

	return &Manager{
		managerConfig: cfg,
		clientID:      clientID,
		ctx:           ctx,
		cancel:        cancel,
		listeners:     newListenerRegistry(cfg.logger),
		state:         StateDisconnected,
		subscriptions: hashset.New(),
	}
}

// unlock releases the mutex and then runs the callbacks queued while it was held.
func (m *Manager) unlock() {
	notes := m.notes
	m.notes = nil
	m.mu.Unlock()

	for _, note := range notes {
		note()
	}
}

// Connect starts connecting unless the manager is already connecting or
// connected. It returns immediately; progress is reported through state
// changes.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.unlock()

	if m.destroyed {
		return ErrDestroyed
	}
	m.connectLocked()
	return nil
}

// Disconnect closes the transport with the normal closure code and cancels
// every pending timer. Calling it repeatedly is harmless.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.destroyed {
		m.unlock()
		return ErrDestroyed
	}
	t := m.disconnectLocked()
	m.unlock()

	m.closeTransport(t, CloseNormal, "Client disconnect")
	return nil
}

// Destroy disconnects and clears all listeners and queued messages. The
// manager cannot be used afterwards.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.unlock()
		return ErrDestroyed
	}
	t := m.disconnectLocked()
	m.destroyed = true
	m.queue.clear()
	m.listeners.clear()
	m.unlock()

	m.closeTransport(t, CloseNormal, "Client disconnect")
	m.cancel()
	m.logger.Debug("Connection manager destroyed")
	return nil
}

// Send wraps payload in an envelope stamped with the current time and a
// unique id. The envelope is written immediately when connected and queued
// otherwise.
func (m *Manager) Send(typ protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(typ, payload, m.clock.Now(), newMessageID())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.unlock()

	if m.destroyed {
		return ErrDestroyed
	}
	return m.sendLocked(env)
}

// Subscribe adds topics to the local subscription set and, when connected,
// tells the hub. The full set is re-sent after every reconnect.
func (m *Manager) Subscribe(topics ...string) error {
	m.mu.Lock()
	defer m.unlock()

	if m.destroyed {
		return ErrDestroyed
	}

	for _, topic := range topics {
		m.subscriptions.Add(topic)
	}

	if m.state == StateConnected {
		for _, topic := range topics {
			_ = m.writeLocked(protocol.NewSubscribe(topic, m.clock.Now(), newMessageID()))
		}
		m.logger.Debug("Subscribed to topics", zap.Strings("topics", topics))
	}
	return nil
}

// Unsubscribe removes topics from the local subscription set and, when
// connected, tells the hub.
func (m *Manager) Unsubscribe(topics ...string) error {
	m.mu.Lock()
	defer m.unlock()

	if m.destroyed {
		return ErrDestroyed
	}

	for _, topic := range topics {
		m.subscriptions.Remove(topic)
	}

	if m.state == StateConnected {
		for _, topic := range topics {
			_ = m.writeLocked(protocol.NewUnsubscribe(topic, m.clock.Now(), newMessageID()))
		}
		m.logger.Debug("Unsubscribed from topics", zap.Strings("topics", topics))
	}
	return nil
}

// On registers a listener for envelopes of type typ. Status listeners also
// receive {"error": "..."} notifications for transport failures. On a
// destroyed manager the returned handle is already cancelled.
func (m *Manager) On(typ protocol.MessageType, listener Listener) *ListenerHandle {
	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()

	if destroyed || listener == nil {
		return &ListenerHandle{typ: typ}
	}
	return m.listeners.add(typ, listener)
}

// Off removes the listener registered under handle.
func (m *Manager) Off(handle *ListenerHandle) bool {
	return handle.Cancel()
}

// ResetReconnectAttempts zeroes the attempt counter, typically before a
// manual Connect after the manager gave up.
func (m *Manager) ResetReconnectAttempts() error {
	m.mu.Lock()
	defer m.unlock()

	if m.destroyed {
		return ErrDestroyed
	}
	m.reconnectAttempts = 0
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// ClientID identifies this manager in heartbeat payloads.
func (m *Manager) ClientID() string {
	return m.clientID
}

// Subscriptions returns the local subscription set, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptionsLocked()
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		State:             m.state,
		ClientID:          m.clientID,
		MessagesSent:      m.messagesSent,
		MessagesReceived:  m.messagesReceived,
		ReconnectAttempts: m.reconnectAttempts,
		Subscriptions:     m.subscriptionsLocked(),
		QueueLength:       m.queue.len(),
		Dropped:           m.queue.dropped,
		ConnectedAt:       m.connectedAt,
		DisconnectedAt:    m.disconnectedAt,
	}
	if m.state == StateConnected {
		stats.Uptime = m.clock.Now().Sub(m.connectedAt)
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}
	return stats
}

func (m *Manager) subscriptionsLocked() []string {
	topics := make([]string, 0, m.subscriptions.Size())
	for _, v := range m.subscriptions.Values() {
		topics = append(topics, v.(string))
	}
	sort.Strings(topics)
	return topics
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Debug("Connection state changed", zap.Stringer("from", from), zap.Stringer("to", to))

	if monitor := m.monitor; monitor != nil {
		m.notes = append(m.notes, func() { monitor.OnStateChange(m, from, to) })
	}
}

func (m *Manager) connectLocked() {
	if m.state.Active() {
		m.logger.Debug("Already connected or connecting")
		return
	}

	m.stopReconnectTimerLocked()
	m.setStateLocked(StateConnecting)
	m.gen++
	gen := m.gen

	m.logger.Debug("Connecting")
	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	defer cancel()

	t, err := m.dialer.Dial(ctx, m.url, m.headers)
	if err != nil {
		m.onDialFailed(gen, err)
		return
	}
	m.onOpen(gen, t)
}

func (m *Manager) onDialFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.unlock()

	if m.destroyed || gen != m.gen || m.state != StateConnecting {
		return
	}
	m.recordErrorLocked(err)
	m.handleCloseLocked(CloseAbnormal, err.Error())
}

func (m *Manager) onOpen(gen uint64, t Transport) {
	m.mu.Lock()
	if m.destroyed || gen != m.gen || m.state != StateConnecting {
		m.unlock()
		m.closeTransport(t, CloseNormal, "stale connection")
		return
	}

	m.transport = t
	m.setStateLocked(StateConnected)
	m.connectedAt = m.clock.Now()
	m.reconnectAttempts = 0
	m.lastError = nil
	m.logger.Info("Connected")

	m.startHeartbeatLocked(gen)
	m.resubscribeLocked()
	m.flushQueueLocked()

	go m.readLoop(gen, t)
	m.unlock()
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.Read(m.ctx)
		if err != nil {
			m.onReadError(gen, t, err)
			return
		}
		m.onFrame(gen, data)
	}
}

func (m *Manager) onReadError(gen uint64, t Transport, err error) {
	m.mu.Lock()
	if m.destroyed || gen != m.gen {
		m.unlock()
		return
	}

	code, clean := closeCode(err)
	reason := err.Error()
	var ce *CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	if !clean {
		m.recordErrorLocked(err)
	}
	m.logger.Info("Connection closed", zap.Int("code", code), zap.String("reason", reason))
	m.handleCloseLocked(code, reason)
	m.unlock()

	if !clean {
		m.closeTransport(t, CloseInternalError, "connection error")
	}
}

func (m *Manager) onFrame(gen uint64, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		m.logger.Warn("Failed to parse message", zap.Error(err), zap.Int("size", len(data)))
		m.metrics.RecordParseError(m.ctx)
		return
	}

	m.mu.Lock()
	if m.destroyed || gen != m.gen {
		m.unlock()
		return
	}
	m.messagesReceived++
	if env.Type == protocol.TypePong || env.Type == protocol.TypeHeartbeatAck {
		m.clearHeartbeatTimeoutLocked()
	}
	m.unlock()

	m.metrics.RecordReceived(m.ctx, string(env.Type))
	m.logger.Debug("Received message", zap.String("type", string(env.Type)))

	if env.Type == protocol.TypePong {
		return
	}
	m.dispatch(env)
}

func (m *Manager) dispatch(env protocol.Envelope) {
	listeners := m.listeners.snapshot(env.Type)
	failed := m.listeners.dispatch(listeners, env)
	m.metrics.RecordListenerErrors(m.ctx, string(env.Type), failed)
}

// recordErrorLocked stores err, enters the error state and notifies status
// listeners once the lock is released.
func (m *Manager) recordErrorLocked(err error) {
	m.logger.Warn("Transport error", zap.Error(err))
	m.lastError = err
	m.setStateLocked(StateError)

	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	env := protocol.Envelope{
		Type:      protocol.TypeStatus,
		Payload:   payload,
		Timestamp: protocol.Millis(m.clock.Now()),
	}
	m.notes = append(m.notes, func() { m.dispatch(env) })
}

// handleCloseLocked retires the current transport and either schedules a
// reconnect or settles in the disconnected state.
func (m *Manager) handleCloseLocked(code int, reason string) {
	m.stopHeartbeatLocked()
	m.transport = nil
	m.gen++
	m.disconnectedAt = m.clock.Now()

	if code != CloseNormal && m.reconnectAttempts < m.maxReconnectAttempts {
		m.setStateLocked(StateReconnecting)
		m.scheduleReconnectLocked()
		return
	}

	m.setStateLocked(StateDisconnected)
	if code != CloseNormal {
		m.logger.Warn("Giving up reconnecting",
			zap.Int("attempts", m.reconnectAttempts),
			zap.Int("code", code),
			zap.String("reason", reason))
	}
}

func (m *Manager) disconnectLocked() Transport {
	m.logger.Debug("Disconnecting")
	m.stopHeartbeatLocked()
	m.stopReconnectTimerLocked()

	t := m.transport
	m.transport = nil
	m.gen++
	m.setStateLocked(StateDisconnected)
	m.disconnectedAt = m.clock.Now()
	return t
}

func (m *Manager) scheduleReconnectLocked() {
	m.stopReconnectTimerLocked()

	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	delay := m.backoff.Next(attempt)

	seq := m.reconnectSeq
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.onReconnectTimer(seq) })

	m.logger.Info("Reconnecting",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt),
		zap.Int("maxAttempts", m.maxReconnectAttempts))
	m.metrics.RecordReconnectScheduled(m.ctx, delay.Seconds())

	if monitor := m.monitor; monitor != nil {
		m.notes = append(m.notes, func() { monitor.OnReconnectScheduled(m, attempt, delay) })
	}
}

func (m *Manager) onReconnectTimer(seq uint64) {
	m.mu.Lock()
	defer m.unlock()

	if m.destroyed || seq != m.reconnectSeq || m.reconnectTimer == nil {
		return
	}
	m.reconnectTimer = nil
	if m.state != StateReconnecting {
		return
	}
	m.connectLocked()
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectSeq++
}

func (m *Manager) startHeartbeatLocked(gen uint64) {
	m.stopHeartbeatLocked()
	m.heartbeatTimer = m.clock.AfterFunc(m.heartbeatInterval, func() { m.onHeartbeatTick(gen) })
}

func (m *Manager) onHeartbeatTick(gen uint64) {
	m.mu.Lock()
	defer m.unlock()

	if m.destroyed || gen != m.gen || m.state != StateConnected {
		return
	}
	m.heartbeatTimer = m.clock.AfterFunc(m.heartbeatInterval, func() { m.onHeartbeatTick(gen) })

	now := m.clock.Now()
	env, err := protocol.NewEnvelope(protocol.TypeHeartbeat,
		heartbeatPayload{Timestamp: protocol.Millis(now), ClientID: m.clientID}, now, newMessageID())
	if err == nil {
		_ = m.writeLocked(env)
	}

	m.clearHeartbeatTimeoutLocked()
	seq := m.heartbeatTimeoutSeq
	m.heartbeatTimeoutTimer = m.clock.AfterFunc(m.heartbeatTimeout, func() { m.onHeartbeatTimeout(gen, seq) })
}

func (m *Manager) onHeartbeatTimeout(gen, seq uint64) {
	m.mu.Lock()
	if m.destroyed || gen != m.gen || seq != m.heartbeatTimeoutSeq || m.state != StateConnected {
		m.unlock()
		return
	}
	m.heartbeatTimeoutTimer = nil
	t := m.transport

	m.logger.Warn("Heartbeat timeout - connection appears dead")
	m.metrics.RecordHeartbeatTimeout(m.ctx)
	m.handleCloseLocked(CloseHeartbeatTimeout, "heartbeat timeout")
	m.unlock()

	m.closeTransport(t, CloseHeartbeatTimeout, "heartbeat timeout")
}

func (m *Manager) clearHeartbeatTimeoutLocked() {
	if m.heartbeatTimeoutTimer != nil {
		m.heartbeatTimeoutTimer.Stop()
		m.heartbeatTimeoutTimer = nil
	}
	m.heartbeatTimeoutSeq++
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	m.clearHeartbeatTimeoutLocked()
}

func (m *Manager) resubscribeLocked() {
	topics := m.subscriptionsLocked()
	if len(topics) == 0 {
		return
	}
	for _, topic := range topics {
		_ = m.writeLocked(protocol.NewSubscribe(topic, m.clock.Now(), newMessageID()))
	}
	m.logger.Debug("Re-asserted subscriptions", zap.Strings("topics", topics))
}

func (m *Manager) sendLocked(env protocol.Envelope) error {
	if m.state == StateConnected {
		m.flushQueueLocked()
		if m.queue.len() == 0 && m.writeLocked(env) == nil {
			return nil
		}
	}
	return m.enqueueLocked(env)
}

func (m *Manager) enqueueLocked(env protocol.Envelope) error {
	dropped, err := m.queue.push(env)
	if err != nil {
		m.logger.Warn("Outbound queue full, rejecting message", zap.String("type", string(env.Type)))
		return err
	}
	if dropped {
		m.logger.Warn("Outbound queue full, dropped a message",
			zap.Stringer("policy", m.queue.policy), zap.Uint64("dropped", m.queue.dropped))
	}

	m.logger.Debug("Not connected, queuing message",
		zap.String("type", string(env.Type)), zap.Int("queued", m.queue.len()))
	m.metrics.RecordQueued(m.ctx, m.queue.len(), dropped)
	return nil
}

// flushQueueLocked writes queued envelopes in FIFO order, stopping at the
// first write failure so that nothing is reordered.
func (m *Manager) flushQueueLocked() {
	if m.queue.len() == 0 {
		return
	}
	m.logger.Debug("Flushing queued messages", zap.Int("count", m.queue.len()))

	for m.state == StateConnected && m.transport != nil {
		env, ok := m.queue.peek()
		if !ok {
			break
		}
		if err := m.writeLocked(env); err != nil {
			break
		}
		m.queue.pop()
	}
	m.metrics.RecordQueueLength(m.ctx, m.queue.len())
}

func (m *Manager) writeLocked(env protocol.Envelope) error {
	if m.transport == nil {
		return errNotConnected
	}

	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout)
	defer cancel()

	if err := m.transport.Write(ctx, data); err != nil {
		m.logger.Warn("Failed to send message", zap.String("type", string(env.Type)), zap.Error(err))
		return fmt.Errorf("failed to write %s message: %w", env.Type, err)
	}

	m.messagesSent++
	m.metrics.RecordSent(m.ctx, string(env.Type))
	m.logger.Debug("Sent message", zap.String("type", string(env.Type)))
	return nil
}

func (m *Manager) closeTransport(t Transport, code int, reason string) {
	if t == nil {
		return
	}
	if err := t.Close(code, reason); err != nil {
		m.logger.Debug("Error closing transport", zap.Int("code", code), zap.Error(err))
	}
}

func newMessageID() string {
	return uuid.NewString()
}
