package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// ErrUnknownClient is returned when an operation names a client that is not registered.
var ErrUnknownClient = errors.New("unknown client")

// Peer is the transport handle owned by a client record. Send must not block.
type Peer interface {
	Send(env protocol.Envelope) error
	// Close performs a close handshake with the given status code.
	Close(code int, reason string)
	// Terminate drops the connection without a close handshake.
	Terminate()
}

// Client is the registry's record of one live connection.
type Client struct {
	ID          string
	ConnectedAt time.Time

	peer Peer

	mu            sync.RWMutex
	subscriptions *hashset.Set
	patterns      int
	lastHeartbeat time.Time
}

func (c *Client) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Subscriptions returns the client's topics, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topics := make([]string, 0, c.subscriptions.Size())
	for _, v := range c.subscriptions.Values() {
		topics = append(topics, v.(string))
	}
	sort.Strings(topics)
	return topics
}

// Matches reports whether the client is subscribed to topic, either exactly
// or through an MQTT-style wildcard subscription.
func (c *Client) Matches(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subscriptions.Contains(topic) {
		return true
	}
	if c.patterns == 0 {
		return false
	}

	for _, v := range c.subscriptions.Values() {
		sub := v.(string)
		if isPattern(sub) && patternMatches(sub, topic) {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscriptions.Contains(topic) {
		return
	}
	c.subscriptions.Add(topic)
	if isPattern(topic) {
		c.patterns++
	}
}

func (c *Client) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.subscriptions.Contains(topic) {
		return
	}
	c.subscriptions.Remove(topic)
	if isPattern(topic) {
		c.patterns--
	}
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
}

// isPattern reports whether a subscription uses MQTT wildcards.
func isPattern(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}

// levelSeparator returns the character splitting topic into levels: '/' when
// present, otherwise '.', or 0 for a single-level topic. A topic never mixes
// the two; in "a/b.c" the dot is part of the level name.
func levelSeparator(topic string) byte {
	switch {
	case strings.Contains(topic, "/"):
		return '/'
	case strings.Contains(topic, "."):
		return '.'
	}
	return 0
}

// patternMatches applies MQTT wildcard matching to dotted topics such as
// price.BTCUSD as well as slashed ones. A pattern only matches topics that use
// the same level separator, so "a/+" does not match "a.b".
func patternMatches(pattern, topic string) bool {
	ps, ts := levelSeparator(pattern), levelSeparator(topic)
	if ps != 0 && ts != 0 && ps != ts {
		return false
	}
	return mqttpattern.Matches(toSlashLevels(pattern, ps), toSlashLevels(topic, ts))
}

func toSlashLevels(topic string, sep byte) string {
	if sep != '.' {
		return topic
	}
	return strings.ReplaceAll(topic, ".", "/")
}

// ClientInfo is a read-only view of a client record.
type ClientInfo struct {
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Subscriptions []string  `json:"subscriptions"`
}

// Registry owns every client record. It is safe for concurrent use; replies
// and broadcasts are sent outside the registry lock.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	clock   clock.Clock
	logger  *zap.Logger
	metrics *HubMetrics
}

// NewRegistry creates an empty Registry. Nil arguments default to the real
// clock and a no-op logger.
func NewRegistry(clk clock.Clock, logger *zap.Logger, metrics *HubMetrics) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clients: make(map[string]*Client),
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}
}

// Register creates a record for peer, sends it a welcome frame and returns
// the new client id.
func (r *Registry) Register(peer Peer) string {
	now := r.clock.Now()
	client := &Client{
		ID:            newClientID(),
		ConnectedAt:   now,
		peer:          peer,
		subscriptions: hashset.New(),
		lastHeartbeat: now,
	}

	r.mu.Lock()
	r.clients[client.ID] = client
	count := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("Client connected", zap.String("clientId", client.ID), zap.Int("total", count))
	r.send(client, protocol.NewWelcome(client.ID, now))
	return client.ID
}

// Unregister removes the record. Unknown ids are ignored.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	count := len(r.clients)
	r.mu.Unlock()

	if ok {
		r.logger.Info("Client disconnected", zap.String("clientId", id), zap.Int("total", count))
	}
	return ok
}

func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	return client, ok
}

// RecordHeartbeat refreshes the client's liveness and acknowledges it.
func (r *Registry) RecordHeartbeat(id string) error {
	client, ok := r.Get(id)
	if !ok {
		return ErrUnknownClient
	}

	now := r.clock.Now()
	client.touch(now)
	r.send(client, protocol.NewHeartbeatAck(now))
	return nil
}

func (r *Registry) Subscribe(id, topic string) error {
	client, ok := r.Get(id)
	if !ok {
		return ErrUnknownClient
	}

	client.subscribe(topic)
	r.logger.Debug("Client subscribed", zap.String("clientId", id), zap.String("topic", topic))
	r.send(client, protocol.NewSubscribed(topic, r.clock.Now()))
	return nil
}

func (r *Registry) Unsubscribe(id, topic string) error {
	client, ok := r.Get(id)
	if !ok {
		return ErrUnknownClient
	}

	client.unsubscribe(topic)
	r.logger.Debug("Client unsubscribed", zap.String("clientId", id), zap.String("topic", topic))
	r.send(client, protocol.NewUnsubscribed(topic, r.clock.Now()))
	return nil
}

// Reply sends env to a single client.
func (r *Registry) Reply(id string, env protocol.Envelope) error {
	client, ok := r.Get(id)
	if !ok {
		return ErrUnknownClient
	}
	return r.send(client, env)
}

// Broadcast sends an event frame to every client subscribed to topic and
// returns the number of clients it was handed to. Send failures are logged
// and leave the client registered.
func (r *Registry) Broadcast(topic string, payload json.RawMessage) int {
	targets := r.matching(topic)
	if len(targets) == 0 {
		return 0
	}

	env := protocol.NewEvent(topic, payload, r.clock.Now())
	delivered := 0
	for _, client := range targets {
		if r.send(client, env) == nil {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) matching(topic string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []*Client
	for _, client := range r.clients {
		if client.Matches(topic) {
			targets = append(targets, client)
		}
	}
	return targets
}

// Expired returns the clients whose last heartbeat is before cutoff.
func (r *Registry) Expired(cutoff time.Time) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []*Client
	for _, client := range r.clients {
		if client.LastHeartbeat().Before(cutoff) {
			expired = append(expired, client)
		}
	}
	return expired
}

// Evict terminates the client's transport and removes its record.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	client, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Info("Client timed out, terminating",
		zap.String("clientId", id),
		zap.Time("lastHeartbeat", client.LastHeartbeat()))
	client.peer.Terminate()
	return true
}

// CloseAll closes every client with the given code and empties the
// registry. It returns the number of clients closed.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, client := range clients {
		client.peer.Close(code, reason)
	}
	return len(clients)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot returns a view of every client, ordered by connection time.
func (r *Registry) Snapshot() []ClientInfo {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			ConnectedAt:   client.ConnectedAt,
			LastHeartbeat: client.LastHeartbeat(),
			Subscriptions: client.Subscriptions(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

func (r *Registry) send(client *Client, env protocol.Envelope) error {
	if err := client.peer.Send(env); err != nil {
		r.logger.Warn("Failed to send to client",
			zap.String("clientId", client.ID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		r.metrics.RecordSendFailure(context.Background(), string(env.Type))
		return err
	}
	r.metrics.RecordMessageSent(context.Background(), string(env.Type))
	return nil
}

// newClientID returns a time-ordered UUIDv7, which combines a millisecond
// timestamp with random bits.
func newClientID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
