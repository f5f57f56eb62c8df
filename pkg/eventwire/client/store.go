package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
	"github.com/tsarna/eventwire/pkg/eventwire/generator"
	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// DefaultRecentItems is the capacity of a Recent list created with a
// non-positive size.
const DefaultRecentItems = 100

// DefaultStatsInterval is the refresh period of a StatsWatcher created with a
// non-positive interval.
const DefaultStatsInterval = time.Second

// Route selects envelopes by message type and, when Topic is set, by topic.
// Hubs deliver generated data as event frames, so the same payload may arrive
// either as its own message type or as an event on a well-known topic.
type Route struct {
	Type  protocol.MessageType
	Topic string
}

// ByType routes every envelope of type typ.
func ByType(typ protocol.MessageType) Route {
	return Route{Type: typ}
}

// ByTopic routes event frames published on topic.
func ByTopic(topic string) Route {
	return Route{Type: protocol.TypeEvent, Topic: topic}
}

func (r Route) matches(env protocol.Envelope) bool {
	return env.Type == r.Type && (r.Topic == "" || env.Topic == r.Topic)
}

var (
	// EventRoutes match synthetic event payloads.
	EventRoutes = []Route{ByTopic(generator.TopicEvents)}
	// MetricRoutes match metric payloads.
	MetricRoutes = []Route{ByType(protocol.TypeMetric), ByTopic(generator.TopicMetrics)}
	// StatusRoutes match server status payloads.
	StatusRoutes = []Route{ByType(protocol.TypeStatus), ByTopic(generator.TopicStatus)}
)

// Watch is a group of listener registrations removed together.
type Watch struct {
	handles []*ListenerHandle
}

// Cancel removes every listener of the watch. It reports whether any was
// still registered.
func (w *Watch) Cancel() bool {
	if w == nil {
		return false
	}
	cancelled := false
	for _, h := range w.handles {
		if h.Cancel() {
			cancelled = true
		}
	}
	return cancelled
}

// OnPayload registers handler for envelopes matching any of routes, with the
// payload decoded into T. Decode failures are reported as listener errors.
func OnPayload[T any](m *Manager, handler func(T, protocol.Envelope) error, routes ...Route) *Watch {
	w := &Watch{}
	for _, route := range routes {
		w.handles = append(w.handles, m.On(route.Type, func(env protocol.Envelope) error {
			if !route.matches(env) {
				return nil
			}
			var payload T
			if err := decodePayload(env, &payload); err != nil {
				return err
			}
			return handler(payload, env)
		}))
	}
	return w
}

// decodePayload leaves v at its zero value when env has no payload.
func decodePayload(env protocol.Envelope, v any) error {
	err := env.DecodePayload(v)
	if err == nil || errors.Is(err, protocol.ErrNoPayload) {
		return nil
	}
	return fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
}

// OnEvent registers handler for synthetic events.
func OnEvent(m *Manager, handler func(generator.EventPayload) error) *Watch {
	return OnPayload(m, func(p generator.EventPayload, _ protocol.Envelope) error {
		return handler(p)
	}, EventRoutes...)
}

// OnMetric registers handler for metric samples.
func OnMetric(m *Manager, handler func(generator.MetricPayload) error) *Watch {
	return OnPayload(m, func(p generator.MetricPayload, _ protocol.Envelope) error {
		return handler(p)
	}, MetricRoutes...)
}

// OnStatus registers handler for server status reports. The manager's own
// transport error notifications are not status reports and are skipped.
func OnStatus(m *Manager, handler func(generator.StatusPayload) error) *Watch {
	return OnPayload(m, func(p generator.StatusPayload, env protocol.Envelope) error {
		if isTransportError(env) {
			return nil
		}
		return handler(p)
	}, StatusRoutes...)
}

func isTransportError(env protocol.Envelope) bool {
	if env.Type != protocol.TypeStatus {
		return false
	}
	var probe struct {
		Error string `json:"error"`
	}
	return json.Unmarshal(env.Payload, &probe) == nil && probe.Error != ""
}

// Latest holds the most recent payload seen on its routes.
type Latest[T any] struct {
	clock clock.Clock
	watch *Watch

	mu         sync.RWMutex
	value      T
	lastUpdate time.Time
}

// WatchLatest tracks the latest payload matching routes, starting from
// initial.
func WatchLatest[T any](m *Manager, initial T, routes ...Route) *Latest[T] {
	l := &Latest[T]{clock: m.clock, value: initial}
	l.watch = OnPayload(m, func(v T, _ protocol.Envelope) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.value = v
		l.lastUpdate = l.clock.Now()
		return nil
	}, routes...)
	return l
}

// Value returns the latest payload and when it arrived. The time is zero
// until the first update.
func (l *Latest[T]) Value() (T, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.value, l.lastUpdate
}

// Close stops tracking. The last value stays readable.
func (l *Latest[T]) Close() bool {
	return l.watch.Cancel()
}

// recentItem boxes values so that nil payloads survive the buffer, which
// treats nil slots as empty.
type recentItem[T any] struct {
	value T
}

// Recent holds the last payloads seen on its routes, up to a fixed capacity.
type Recent[T any] struct {
	watch *Watch

	mu  sync.Mutex
	buf *circularbuffer.Queue
}

// WatchRecent keeps up to maxItems payloads matching routes. The oldest is
// evicted when full. maxItems <= 0 means DefaultRecentItems.
func WatchRecent[T any](m *Manager, maxItems int, routes ...Route) *Recent[T] {
	if maxItems <= 0 {
		maxItems = DefaultRecentItems
	}
	r := &Recent[T]{buf: circularbuffer.New(maxItems)}
	r.watch = OnPayload(m, func(v T, _ protocol.Envelope) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.buf.Enqueue(recentItem[T]{value: v})
		return nil
	}, routes...)
	return r
}

// Items returns the held payloads, newest first.
func (r *Recent[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := r.buf.Values()
	items := make([]T, len(values))
	for i, v := range values {
		items[len(values)-1-i] = v.(recentItem[T]).value
	}
	return items
}

func (r *Recent[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Size()
}

// Clear drops every held payload.
func (r *Recent[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Clear()
}

// Close stops collecting. Held payloads stay readable.
func (r *Recent[T]) Close() bool {
	return r.watch.Cancel()
}

// StatsWatcher keeps a Stats snapshot of a manager, refreshed on a fixed
// interval and whenever a status message arrives.
type StatsWatcher struct {
	manager  *Manager
	interval time.Duration
	onChange func(Stats)
	handle   *ListenerHandle

	mu     sync.Mutex
	stats  Stats
	timer  clock.Timer
	closed bool
}

// WatchStats starts refreshing a snapshot of m. onChange, if set, receives
// every refreshed snapshot.
func WatchStats(m *Manager, interval time.Duration, onChange func(Stats)) *StatsWatcher {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	w := &StatsWatcher{manager: m, interval: interval, onChange: onChange}
	w.handle = m.On(protocol.TypeStatus, func(protocol.Envelope) error {
		w.refresh()
		return nil
	})
	w.refresh()
	w.schedule()
	return w
}

// Stats returns the latest snapshot.
func (w *StatsWatcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close stops refreshing.
func (w *StatsWatcher) Close() {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.handle.Cancel()
}

func (w *StatsWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.timer = w.manager.clock.AfterFunc(w.interval, w.tick)
}

func (w *StatsWatcher) tick() {
	w.refresh()
	w.schedule()
}

func (w *StatsWatcher) refresh() {
	stats := w.manager.Stats()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.stats = stats
	onChange := w.onChange
	w.mu.Unlock()

	if onChange != nil {
		onChange(stats)
	}
}
