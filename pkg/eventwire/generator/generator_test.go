package generator

import (
	"encoding/json"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
)

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestPriceTickerRotation(t *testing.T) {
	p := NewPriceTicker(seeded())

	var topics []string
	for range 6 {
		topic, payload, ok := p.Next()
		require.True(t, ok)
		require.NotNil(t, payload)
		topics = append(topics, topic)
	}

	assert.Equal(t, []string{
		"price.BTCUSD", "price.ETHUSD", "news.general",
		"price.BTCUSD", "price.ETHUSD", "news.general",
	}, topics)
}

func TestPriceTickerPayloads(t *testing.T) {
	p := NewPriceTicker(seeded())

	for range 300 {
		topic, payload, ok := p.Next()
		require.True(t, ok)

		if strings.HasPrefix(topic, "price") {
			price, isPrice := payload.(PricePayload)
			require.True(t, isPrice)
			assert.GreaterOrEqual(t, price.Price, 1000.0)
			assert.LessOrEqual(t, price.Price, 70000.0)
			assert.InDelta(t, price.Price, float64(int64(price.Price*100+0.5))/100, 1e-9)
		} else {
			news, isNews := payload.(NewsPayload)
			require.True(t, isNews)
			assert.True(t, strings.HasPrefix(news.Text, "Random notice #"), news.Text)
		}
	}
}

func TestPriceTickerWireShape(t *testing.T) {
	p := NewPriceTicker(seeded())

	_, payload, _ := p.Next()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"price":`)

	p.Next()
	_, payload, _ = p.Next()
	data, err = json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"text":"Random notice #`)
}

func TestTopicTickerWithoutTopics(t *testing.T) {
	_, _, ok := NewTopicTicker(nil).Next()
	assert.False(t, ok)
}

func TestFunc(t *testing.T) {
	calls := 0
	var g Generator = Func(func() (string, any, bool) {
		calls++
		if calls%2 == 0 {
			return "", nil, false
		}
		return "t", calls, true
	})

	topic, payload, ok := g.Next()
	assert.True(t, ok)
	assert.Equal(t, "t", topic)
	assert.Equal(t, 1, payload)

	_, _, ok = g.Next()
	assert.False(t, ok)
}

func TestSyntheticEvent(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	s := NewSynthetic(seeded(), clk)

	for i := 1; i <= 200; i++ {
		ev := s.Event()
		assert.Contains(t, eventTypes, ev.EventType)
		assert.Contains(t, sources, ev.Source)
		assert.Contains(t, []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}, ev.Severity)
		assert.Equal(t, int64(1700000000000), ev.Timestamp)
		assert.Equal(t, "production", ev.Metadata["environment"])
		assert.NotEmpty(t, ev.Metadata["eventId"])
		assert.True(t, strings.HasSuffix(ev.ID, "-"+itoa(i)), ev.ID)

		if templates, ok := messageTemplates[ev.EventType]; ok {
			assert.Contains(t, templates, ev.Message)
		} else {
			assert.Equal(t, "Event occurred", ev.Message)
		}
	}
}

func TestSyntheticMetadataByPrefix(t *testing.T) {
	s := NewSynthetic(seeded(), nil)

	user := s.SpecificEvent("user.login", SeverityLow)
	assert.Contains(t, user.Metadata, "userId")
	assert.Contains(t, user.Metadata, "sessionId")

	payment := s.SpecificEvent("payment.failed", SeverityHigh)
	assert.Equal(t, "USD", payment.Metadata["currency"])
	assert.True(t, strings.HasPrefix(payment.Metadata["transactionId"].(string), "txn-"))
	assert.Equal(t, SeverityHigh, payment.Severity)

	api := s.SpecificEvent("api.error", SeverityMedium)
	assert.Contains(t, []string{"GET", "POST", "PUT", "DELETE"}, api.Metadata["method"])
	assert.True(t, strings.HasPrefix(api.Metadata["endpoint"].(string), "/api/"))

	security := s.SpecificEvent("security.blocked_ip", SeverityCritical)
	assert.Equal(t, 3, strings.Count(security.Metadata["ipAddress"].(string), "."))

	unknown := s.SpecificEvent("custom.thing", SeverityLow)
	assert.Equal(t, "Event occurred", unknown.Message)
	assert.Len(t, unknown.Metadata, 2)
}

func TestSyntheticSeverityDistribution(t *testing.T) {
	s := NewSynthetic(seeded(), nil)
	counts := map[Severity]int{}
	const n = 20000
	for range n {
		s.mu.Lock()
		counts[s.severityLocked()]++
		s.mu.Unlock()
	}

	assert.InDelta(t, 0.50, float64(counts[SeverityLow])/n, 0.03)
	assert.InDelta(t, 0.30, float64(counts[SeverityMedium])/n, 0.03)
	assert.InDelta(t, 0.15, float64(counts[SeverityHigh])/n, 0.03)
	assert.InDelta(t, 0.05, float64(counts[SeverityCritical])/n, 0.02)
}

func TestSyntheticMetric(t *testing.T) {
	s := NewSynthetic(seeded(), nil)

	for _, m := range s.MetricBatch(300) {
		assert.Contains(t, metricIDs, m.MetricID)
		assert.GreaterOrEqual(t, m.Value, 0.0)
		assert.Contains(t, []string{"server-1", "server-2", "server-3"}, m.Tags["server"])
		assert.Contains(t, []string{"us-east-1", "us-west-2", "eu-west-1"}, m.Tags["region"])

		switch m.MetricID {
		case "api_response_time":
			assert.Less(t, m.Value, 500.0)
			assert.Equal(t, "api-gateway", m.Tags["service"])
		case "database_connections":
			assert.Less(t, m.Value, 100.0)
			assert.Equal(t, float64(int(m.Value)), m.Value)
			assert.Equal(t, "postgresql", m.Tags["service"])
		case "cache_hit_rate":
			assert.Less(t, m.Value, 100.0)
			assert.Equal(t, "redis", m.Tags["service"])
		case "active_users":
			assert.Less(t, m.Value, 10000.0)
			assert.NotContains(t, m.Tags, "service")
		}
	}
}

func TestSyntheticStatus(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	s := NewSynthetic(seeded(), clk)

	status := s.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, 0, status.Clients)

	s.BindClients(func() int { return 7 })
	clk.Advance(1500 * time.Millisecond)

	status = s.Status()
	assert.Equal(t, 7, status.Clients)
	assert.Equal(t, 1500.0, status.Uptime)
	assert.Equal(t, int64(1700000001500), status.ServerTime)
}

func TestSyntheticFeedRotation(t *testing.T) {
	feed := NewSyntheticFeed(seeded(), nil)
	var _ ClientCounter = feed

	topic, payload, ok := feed.Next()
	require.True(t, ok)
	assert.Equal(t, TopicEvents, topic)
	assert.IsType(t, EventPayload{}, payload)

	topic, payload, _ = feed.Next()
	assert.Equal(t, TopicMetrics, topic)
	assert.IsType(t, MetricPayload{}, payload)

	topic, payload, _ = feed.Next()
	assert.Equal(t, TopicStatus, topic)
	assert.IsType(t, StatusPayload{}, payload)

	topic, _, _ = feed.Next()
	assert.Equal(t, TopicEvents, topic)
}

func TestEventBatch(t *testing.T) {
	s := NewSynthetic(seeded(), nil)
	assert.Len(t, s.EventBatch(5), 5)
	assert.Empty(t, s.EventBatch(0))
}

func itoa(i int) string {
	data, _ := json.Marshal(i)
	return string(data)
}
