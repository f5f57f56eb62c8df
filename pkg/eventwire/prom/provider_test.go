package prom

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/eventwire/pkg/eventwire/o11y"
)

func TestCounter(t *testing.T) {
	p := NewProvider("eventwire", nil)
	ctx := context.Background()

	c := p.Counter("messages_sent_total")
	c.Add(ctx, 2, o11y.Label{Key: "type", Value: "event"})
	c.Add(ctx, 1, o11y.Label{Key: "type", Value: "event"})
	c.Add(ctx, 5, o11y.Label{Key: "type", Value: "welcome"})
	c.Add(ctx, -1, o11y.Label{Key: "type", Value: "event"})

	assert.Same(t, c, p.Counter("messages_sent_total"))

	expected := `
# HELP eventwire_messages_sent_total messages sent total
# TYPE eventwire_messages_sent_total counter
eventwire_messages_sent_total{type="event"} 3
eventwire_messages_sent_total{type="welcome"} 5
`
	require.NoError(t, testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected), "eventwire_messages_sent_total"))
}

func TestGaugeAndHistogram(t *testing.T) {
	p := NewProvider("eventwire", nil)
	ctx := context.Background()

	g := p.Gauge("active_connections")
	g.Set(ctx, 4)
	g.Set(ctx, 2)

	h := p.Histogram("broadcast_duration_seconds")
	h.Record(ctx, 0.01)
	h.Record(ctx, 0.2)

	expected := `
# HELP eventwire_active_connections active connections
# TYPE eventwire_active_connections gauge
eventwire_active_connections 2
`
	require.NoError(t, testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected), "eventwire_active_connections"))

	count, err := testutil.GatherAndCount(p.Registry(), "eventwire_broadcast_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHistogramObservations(t *testing.T) {
	p := NewProvider("eventwire", nil)
	ctx := context.Background()

	h := p.Histogram("message_size_bytes")
	h.Record(ctx, 120, o11y.Label{Key: "type", Value: "event"})
	h.Record(ctx, 80, o11y.Label{Key: "type", Value: "event"})

	families, err := p.Registry().Gather()
	require.NoError(t, err)

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "eventwire_message_size_bytes" {
			family = f
		}
	}
	require.NotNil(t, family)
	assert.Equal(t, dto.MetricType_HISTOGRAM, family.GetType())
	require.Len(t, family.GetMetric(), 1)

	m := family.GetMetric()[0]
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.Equal(t, float64(200), m.GetHistogram().GetSampleSum())
	require.Len(t, m.GetLabel(), 1)
	assert.Equal(t, "type", m.GetLabel()[0].GetName())
	assert.Equal(t, "event", m.GetLabel()[0].GetValue())
}

func TestLabelNamesFixedByFirstObservation(t *testing.T) {
	p := NewProvider("", nil)
	ctx := context.Background()

	c := p.Counter("errors_total")
	c.Add(ctx, 1, o11y.Label{Key: "kind", Value: "subscribe"}, o11y.Label{Key: "error", Value: "x"})
	c.Add(ctx, 1, o11y.Label{Key: "kind", Value: "heartbeat"}, o11y.Label{Key: "extra", Value: "ignored"})

	expected := `
# HELP errors_total errors total
# TYPE errors_total counter
errors_total{error="",kind="heartbeat"} 1
errors_total{error="x",kind="subscribe"} 1
`
	require.NoError(t, testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected), "errors_total"))
}

func TestHandler(t *testing.T) {
	p := NewProvider("eventwire", nil)
	p.Counter("connections_total").Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "eventwire_connections_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "websocket_messages_total", sanitize("websocket.messages-total"))
	assert.Equal(t, "_9lives", sanitize("9lives"))
	assert.Equal(t, "ok_Name", sanitize("ok_Name"))
}
