package hub

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
	"github.com/tsarna/eventwire/pkg/eventwire/generator"
	"github.com/tsarna/eventwire/pkg/eventwire/o11y"
	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// ShutdownReason is the close reason sent to every client on Shutdown.
const ShutdownReason = "server_shutdown"

// Hub accepts WebSocket clients, answers their control messages and
// broadcasts events to subscribed clients.
type Hub struct {
	config    *HubConfig
	logger    *zap.Logger
	clock     clock.Clock
	registry  *Registry
	metrics   *HubMetrics
	tracing   o11y.TracingProvider
	generator generator.Generator
	cron      *cron.Cron
	startedAt time.Time

	mu         sync.Mutex
	stopped    bool
	sweepTimer clock.Timer
	server     *http.Server

	// Connection tracking for graceful shutdown
	connections  map[*connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// newHub wires a Hub from a validated config. Use NewHubConfig().Build().
func newHub(cfg *HubConfig) (*Hub, error) {
	metrics := NewHubMetrics(cfg.metricsProvider)

	h := &Hub{
		config:      cfg,
		logger:      cfg.logger,
		clock:       cfg.clock,
		registry:    NewRegistry(cfg.clock, cfg.logger, metrics),
		metrics:     metrics,
		tracing:     cfg.tracingProvider,
		generator:   cfg.generator,
		startedAt:   cfg.clock.Now(),
		connections: make(map[*connection]struct{}),
		shutdown:    make(chan struct{}),
	}

	if h.generator != nil {
		if counter, ok := h.generator.(generator.ClientCounter); ok {
			counter.BindClients(h.registry.Len)
		}

		cronLogger := NewZapCronLogger(cfg.logger)
		h.cron = cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		)

		// @every rounds intervals below one second up to one second.
		spec := fmt.Sprintf("@every %s", cfg.producerInterval)
		if _, err := h.cron.AddFunc(spec, h.Produce); err != nil {
			return nil, fmt.Errorf("failed to schedule producer %q: %w", spec, err)
		}
	}

	return h, nil
}

func (h *Hub) start() {
	h.armSweep()
	if h.cron != nil {
		h.cron.Start()
	}

	h.logger.Info("Hub started",
		zap.Duration("heartbeatInterval", h.config.heartbeatInterval),
		zap.Duration("sweepInterval", h.config.sweepInterval()),
		zap.Bool("producer", h.cron != nil),
	)
}

// Registry exposes the client registry, e.g. for targeted replies.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	return h.registry.Len()
}

// ServeWebsocket upgrades the request and serves the client until it
// disconnects. It can be mounted directly on any HTTP router.
func (h *Hub) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.config.originPatterns,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		h.metrics.RecordConnectionError(r.Context(), "upgrade_failed")
		return
	}

	if h.isShuttingDown() {
		h.logger.Debug("Rejecting new connection due to shutdown")
		h.metrics.RecordConnectionError(r.Context(), "shutting_down")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	}

	conn.SetReadLimit(h.config.readLimit)
	c := newConnection(r.Context(), conn, h.config, h.logger.With(zap.String("remote_addr", r.RemoteAddr)))
	h.track(c)
	defer h.untrack(c)

	go c.writer()
	id := h.registry.Register(c)
	h.metrics.RecordConnectionStart(r.Context())
	h.metrics.RecordActiveClients(r.Context(), h.registry.Len())

	// Shutdown may have swept the registry between the check above and Register.
	if h.isShuttingDown() {
		h.registry.Unregister(id)
		c.Close(int(websocket.StatusGoingAway), ShutdownReason)
	}

	for {
		data, err := c.read()
		if err != nil {
			h.logger.Debug("Client read loop ended",
				zap.String("clientId", id),
				zap.Int("status", int(websocket.CloseStatus(err))),
				zap.Error(err))
			break
		}
		h.handleMessage(c.ctx, id, data)
	}

	h.registry.Unregister(id)
	c.cleanup()
	h.metrics.RecordConnectionEnd(context.Background(), h.clock.Now().Sub(c.startedAt))
	h.metrics.RecordActiveClients(context.Background(), h.registry.Len())
}

// handleMessage dispatches one inbound frame. Malformed frames are answered
// with an error frame and the connection stays open.
func (h *Hub) handleMessage(ctx context.Context, id string, data []byte) {
	now := h.clock.Now()

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		code := protocol.CodeOf(err)
		h.logger.Debug("Invalid message from client",
			zap.String("clientId", id),
			zap.String("code", string(code)),
			zap.Error(err))
		h.metrics.RecordMessageReceived(ctx, "invalid", len(data))
		h.metrics.RecordProtocolError(ctx, string(code))
		h.reply(id, protocol.NewError(code, now))
		return
	}

	h.metrics.RecordMessageReceived(ctx, string(msg.Kind()), len(data))

	switch m := msg.(type) {
	case protocol.Heartbeat:
		err = h.registry.RecordHeartbeat(id)
	case protocol.Subscribe:
		err = h.registry.Subscribe(id, m.Topic)
	case protocol.Unsubscribe:
		err = h.registry.Unsubscribe(id, m.Topic)
	default:
		err = h.registry.Reply(id, protocol.NewEcho(data, now))
	}

	if err != nil {
		h.logger.Debug("Failed to handle message",
			zap.String("clientId", id),
			zap.String("type", string(msg.Kind())),
			zap.Error(err))
	}
}

func (h *Hub) reply(id string, env protocol.Envelope) {
	if err := h.registry.Reply(id, env); err != nil {
		h.logger.Debug("Failed to reply", zap.String("clientId", id), zap.Error(err))
	}
}

// Publish broadcasts payload on topic to every subscribed client and returns
// the number of clients it was delivered to.
func (h *Hub) Publish(ctx context.Context, topic string, payload any) (int, error) {
	ctx, span := o11y.StartSpan(ctx, h.tracing, "hub.broadcast")
	defer span.End()
	span.SetAttributes(o11y.Label{Key: "topic", Value: topic})

	raw, err := protocol.RawPayload(payload)
	if err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		return 0, err
	}

	n := h.registry.Broadcast(topic, raw)
	span.SetAttributes(o11y.Label{Key: "recipients", Value: strconv.Itoa(n)})
	span.SetStatus(o11y.SpanStatusOK, "")
	h.metrics.RecordBroadcast(ctx, topic, n)
	return n, nil
}

// Produce runs one producer tick: it asks the generator for an event and
// broadcasts it. It is called by the cron schedule and may be called
// directly.
func (h *Hub) Produce() {
	if h.generator == nil {
		return
	}

	topic, payload, ok := h.generator.Next()
	if !ok {
		return
	}

	n, err := h.Publish(context.Background(), topic, payload)
	if err != nil {
		h.logger.Warn("Failed to publish generated event", zap.String("topic", topic), zap.Error(err))
		return
	}
	h.logger.Debug("Published generated event", zap.String("topic", topic), zap.Int("recipients", n))
}

// Sweep evicts every client whose last heartbeat is older than twice the
// heartbeat interval and returns the number evicted.
func (h *Hub) Sweep() int {
	cutoff := h.clock.Now().Add(-2 * h.config.heartbeatInterval)

	evicted := 0
	for _, client := range h.registry.Expired(cutoff) {
		if h.registry.Evict(client.ID) {
			evicted++
			h.metrics.RecordEviction(context.Background())
		}
	}
	if evicted > 0 {
		h.metrics.RecordActiveClients(context.Background(), h.registry.Len())
	}
	return evicted
}

func (h *Hub) armSweep() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return
	}
	h.sweepTimer = h.clock.AfterFunc(h.config.sweepInterval(), h.onSweep)
}

func (h *Hub) onSweep() {
	h.Sweep()
	h.armSweep()
}

// Shutdown stops the sweep and producer, closes every client with 1001
// server_shutdown, and shuts down the HTTP server started by Serve. It then
// waits for connection handlers to finish or ctx to expire. It is safe to
// call more than once.
func (h *Hub) Shutdown(ctx context.Context) error {
	var serverErr error

	h.shutdownOnce.Do(func() {
		h.logger.Info("Starting hub shutdown")
		close(h.shutdown)

		h.mu.Lock()
		h.stopped = true
		if h.sweepTimer != nil {
			h.sweepTimer.Stop()
		}
		server := h.server
		h.mu.Unlock()

		if h.cron != nil {
			select {
			case <-h.cron.Stop().Done():
			case <-ctx.Done():
				h.logger.Warn("Producer did not stop before shutdown deadline")
			}
		}

		closed := h.registry.CloseAll(int(websocket.StatusGoingAway), ShutdownReason)
		h.metrics.RecordActiveClients(ctx, 0)
		h.logger.Info("Closed client connections", zap.Int("count", closed))

		if server != nil {
			serverErr = server.Shutdown(ctx)
		}
	})

	if serverErr != nil {
		return serverErr
	}
	return h.waitForConnections(ctx)
}

func (h *Hub) waitForConnections(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := h.ConnectionCount()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			h.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the number of connection handlers still running,
// including ones that are closing.
func (h *Hub) ConnectionCount() int {
	h.connMutex.RLock()
	defer h.connMutex.RUnlock()
	return len(h.connections)
}

func (h *Hub) isShuttingDown() bool {
	select {
	case <-h.shutdown:
		return true
	default:
		return false
	}
}

func (h *Hub) track(c *connection) {
	h.connMutex.Lock()
	h.connections[c] = struct{}{}
	h.connMutex.Unlock()
}

func (h *Hub) untrack(c *connection) {
	h.connMutex.Lock()
	delete(h.connections, c)
	h.connMutex.Unlock()
}
