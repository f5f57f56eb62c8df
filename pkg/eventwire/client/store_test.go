package client

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/eventwire/pkg/eventwire/generator"
	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// deliverAll pushes frames through tr and waits until the manager has
// dispatched each of them. Listeners registered before this call have run by
// the time it returns.
func deliverAll(t *testing.T, m *Manager, tr *fakeTransport, frames ...string) {
	t.Helper()
	seen := make(chan protocol.Envelope, len(frames))
	var handles []*ListenerHandle
	for _, typ := range []protocol.MessageType{protocol.TypeEvent, protocol.TypeMetric, protocol.TypeStatus} {
		handles = append(handles, m.On(typ, collect(seen)))
	}
	defer func() {
		for _, h := range handles {
			h.Cancel()
		}
	}()

	for _, f := range frames {
		tr.deliver(f)
	}
	for range frames {
		receive(t, seen)
	}
}

func eventFrame(topic, payload string) string {
	return `{"type":"event","topic":"` + topic + `","payload":` + payload + `,"ts":1}`
}

func TestRouteMatching(t *testing.T) {
	tests := []struct {
		route Route
		env   protocol.Envelope
		want  bool
	}{
		{ByType(protocol.TypeMetric), protocol.Envelope{Type: protocol.TypeMetric}, true},
		{ByType(protocol.TypeMetric), protocol.Envelope{Type: protocol.TypeMetric, Topic: "x"}, true},
		{ByType(protocol.TypeMetric), protocol.Envelope{Type: protocol.TypeEvent}, false},
		{ByTopic("metrics"), protocol.Envelope{Type: protocol.TypeEvent, Topic: "metrics"}, true},
		{ByTopic("metrics"), protocol.Envelope{Type: protocol.TypeEvent, Topic: "events"}, false},
		{ByTopic("metrics"), protocol.Envelope{Type: protocol.TypeMetric, Topic: "metrics"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.route.matches(tt.env), "%+v %+v", tt.route, tt.env)
	}
}

func TestWatchLatest(t *testing.T) {
	dialer := &fakeDialer{}
	m, clk := newTestManager(t, dialer)
	tr := connect(t, m, dialer)

	latest := WatchLatest(m, generator.PricePayload{Price: -1}, ByTopic("price.BTCUSD"))

	value, updated := latest.Value()
	assert.Equal(t, -1.0, value.Price)
	assert.True(t, updated.IsZero())

	clk.Advance(5 * time.Second)
	deliverAll(t, m, tr,
		eventFrame("price.BTCUSD", `{"price":100}`),
		eventFrame("price.ETHUSD", `{"price":7}`),
		eventFrame("price.BTCUSD", `{"price":101.5}`),
	)

	value, updated = latest.Value()
	assert.Equal(t, 101.5, value.Price)
	assert.Equal(t, epoch.Add(5*time.Second), updated)

	require.True(t, latest.Close())
	assert.False(t, latest.Close())

	deliverAll(t, m, tr, eventFrame("price.BTCUSD", `{"price":1}`))
	value, _ = latest.Value()
	assert.Equal(t, 101.5, value.Price, "closed watch keeps its last value")
}

func TestWatchLatestSkipsUndecodablePayloads(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer)
	tr := connect(t, m, dialer)

	latest := WatchLatest(m, generator.PricePayload{}, ByTopic("price.BTCUSD"))
	deliverAll(t, m, tr,
		eventFrame("price.BTCUSD", `{"price":3}`),
		eventFrame("price.BTCUSD", `{"price":"not a number"}`),
	)

	value, _ := latest.Value()
	assert.Equal(t, 3.0, value.Price)
}

func TestWatchRecent(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer)
	tr := connect(t, m, dialer)

	recent := WatchRecent[generator.MetricPayload](m, 3, MetricRoutes...)
	assert.Empty(t, recent.Items())

	var frames []string
	for i := 1; i <= 5; i++ {
		frames = append(frames, eventFrame("metrics", `{"metricId":"cpu","value":`+strconv.Itoa(i)+`}`))
	}
	deliverAll(t, m, tr, frames...)

	items := recent.Items()
	require.Len(t, items, 3)
	assert.Equal(t, []float64{5, 4, 3}, []float64{items[0].Value, items[1].Value, items[2].Value})

	t.Run("metric typed frames count too", func(t *testing.T) {
		deliverAll(t, m, tr, `{"type":"metric","payload":{"metricId":"mem","value":6}}`)
		items := recent.Items()
		require.Len(t, items, 3)
		assert.Equal(t, "mem", items[0].MetricID)
	})

	recent.Clear()
	assert.Equal(t, 0, recent.Len())
	assert.Empty(t, recent.Items())

	require.True(t, recent.Close())
	deliverAll(t, m, tr, eventFrame("metrics", `{"metricId":"cpu","value":9}`))
	assert.Equal(t, 0, recent.Len())
}

func TestWatchRecentDefaultsAndNullPayloads(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer)
	tr := connect(t, m, dialer)

	recent := WatchRecent[json.RawMessage](m, 0, ByTopic("alerts"))
	deliverAll(t, m, tr, eventFrame("alerts", `null`), eventFrame("alerts", `{"n":1}`))

	items := recent.Items()
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"n":1}`, string(items[0]))

	assert.Equal(t, "null", string(items[1]))

	// A non-positive size falls back to the default capacity.
	recent.mu.Lock()
	for i := range DefaultRecentItems + 5 {
		recent.buf.Enqueue(recentItem[json.RawMessage]{value: json.RawMessage(strconv.Itoa(i))})
	}
	recent.mu.Unlock()
	assert.Equal(t, DefaultRecentItems, recent.Len())
	assert.Equal(t, strconv.Itoa(DefaultRecentItems+4), string(recent.Items()[0]))
}

func TestTypedSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer)
	tr := connect(t, m, dialer)

	var mu sync.Mutex
	var events []generator.EventPayload
	var metrics []generator.MetricPayload
	var statuses []generator.StatusPayload

	OnEvent(m, func(p generator.EventPayload) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, p)
		return nil
	})
	OnMetric(m, func(p generator.MetricPayload) error {
		mu.Lock()
		defer mu.Unlock()
		metrics = append(metrics, p)
		return nil
	})
	statusWatch := OnStatus(m, func(p generator.StatusPayload) error {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, p)
		return nil
	})

	deliverAll(t, m, tr,
		eventFrame("events", `{"id":"e1","eventType":"user.login","severity":"low","message":"hi","source":"api"}`),
		eventFrame("metrics", `{"metricId":"cpu","value":0.5}`),
		eventFrame("status", `{"connected":true,"clients":3,"uptime":12.5}`),
		`{"type":"status","payload":{"connected":true,"clients":4,"uptime":13}}`,
		`{"type":"status","payload":{"error":"read failed"}}`,
		eventFrame("other", `{"id":"ignored"}`),
	)

	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, "user.login", events[0].EventType)
	assert.Equal(t, generator.SeverityLow, events[0].Severity)
	require.Len(t, metrics, 1)
	assert.Equal(t, "cpu", metrics[0].MetricID)
	require.Len(t, statuses, 2, "transport error notifications are not status reports")
	assert.Equal(t, 3, statuses[0].Clients)
	assert.Equal(t, 4, statuses[1].Clients)
	mu.Unlock()

	assert.True(t, statusWatch.Cancel())
	assert.False(t, statusWatch.Cancel())
	assert.Equal(t, 0, m.listeners.count(protocol.TypeStatus))
}

func TestWatchStats(t *testing.T) {
	dialer := &fakeDialer{}
	m, clk := newTestManager(t, dialer)

	var mu sync.Mutex
	var snapshots []Stats
	w := WatchStats(m, 0, func(s Stats) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, s)
	})
	defer w.Close()

	assert.Equal(t, StateDisconnected, w.Stats().State)

	tr := connect(t, m, dialer)
	clk.Advance(DefaultStatsInterval)
	assert.Equal(t, StateConnected, w.Stats().State)

	t.Run("status messages refresh immediately", func(t *testing.T) {
		deliverAll(t, m, tr, `{"type":"status","payload":{"clients":1}}`)
		assert.Equal(t, uint64(1), w.Stats().MessagesReceived)
	})

	clk.Advance(3 * DefaultStatsInterval)
	mu.Lock()
	count := len(snapshots)
	mu.Unlock()
	// initial + first tick + status message + three ticks
	assert.Equal(t, 6, count)

	w.Close()
	clk.Advance(10 * DefaultStatsInterval)
	mu.Lock()
	assert.Len(t, snapshots, count)
	mu.Unlock()
}
