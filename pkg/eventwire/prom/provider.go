// Package prom implements o11y.MetricsProvider with the Prometheus client
// library and exposes the collected metrics over HTTP.
package prom

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/o11y"
)

// Provider creates Prometheus collectors on demand. Label names of an
// instrument are fixed by its first observation; later observations fill
// missing labels with "" and ignore unknown ones.
type Provider struct {
	namespace string
	registry  *prometheus.Registry
	logger    *zap.Logger

	mu         sync.Mutex
	counters   map[string]*counter
	histograms map[string]*histogram
	gauges     map[string]*gauge
}

// NewProvider creates a Provider with its own registry. Go runtime and
// process collectors are registered alongside the instruments.
func NewProvider(namespace string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Provider{
		namespace:  sanitize(namespace),
		registry:   registry,
		logger:     logger,
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
		gauges:     make(map[string]*gauge),
	}
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Provider) Counter(name string) o11y.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.counters[name]; ok {
		return c
	}
	c := &counter{instrument{provider: p, name: sanitize(name)}}
	p.counters[name] = c
	return c
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.histograms[name]; ok {
		return h
	}
	h := &histogram{instrument{provider: p, name: sanitize(name)}}
	p.histograms[name] = h
	return h
}

func (p *Provider) Gauge(name string) o11y.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g, ok := p.gauges[name]; ok {
		return g
	}
	g := &gauge{instrument{provider: p, name: sanitize(name)}}
	p.gauges[name] = g
	return g
}

// instrument holds the lazily created vector shared by all metric kinds.
type instrument struct {
	provider *Provider
	name     string

	once       sync.Once
	labelNames []string
	collector  prometheus.Collector
}

func (i *instrument) init(labels []o11y.Label, create func(labelNames []string) prometheus.Collector) bool {
	i.once.Do(func() {
		names := make([]string, 0, len(labels))
		seen := make(map[string]bool, len(labels))
		for _, l := range labels {
			key := sanitize(l.Key)
			if !seen[key] {
				seen[key] = true
				names = append(names, key)
			}
		}
		sort.Strings(names)

		collector := create(names)
		if err := i.provider.registry.Register(collector); err != nil {
			i.provider.logger.Warn("Failed to register prometheus collector",
				zap.String("name", i.name), zap.Error(err))
			return
		}
		i.labelNames = names
		i.collector = collector
	})
	return i.collector != nil
}

func (i *instrument) values(labels []o11y.Label) []string {
	byKey := make(map[string]string, len(labels))
	for _, l := range labels {
		byKey[sanitize(l.Key)] = l.Value
	}
	values := make([]string, len(i.labelNames))
	for idx, name := range i.labelNames {
		values[idx] = byKey[name]
	}
	return values
}

type counter struct {
	instrument
}

func (c *counter) Add(_ context.Context, value int64, labels ...o11y.Label) {
	if value < 0 {
		return
	}
	ok := c.init(labels, func(names []string) prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.provider.namespace,
			Name:      c.name,
			Help:      helpText(c.name),
		}, names)
	})
	if !ok {
		return
	}
	c.collector.(*prometheus.CounterVec).WithLabelValues(c.values(labels)...).Add(float64(value))
}

type histogram struct {
	instrument
}

func (h *histogram) Record(_ context.Context, value float64, labels ...o11y.Label) {
	ok := h.init(labels, func(names []string) prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: h.provider.namespace,
			Name:      h.name,
			Help:      helpText(h.name),
			Buckets:   prometheus.DefBuckets,
		}, names)
	})
	if !ok {
		return
	}
	h.collector.(*prometheus.HistogramVec).WithLabelValues(h.values(labels)...).Observe(value)
}

type gauge struct {
	instrument
}

func (g *gauge) Set(_ context.Context, value float64, labels ...o11y.Label) {
	ok := g.init(labels, func(names []string) prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: g.provider.namespace,
			Name:      g.name,
			Help:      helpText(g.name),
		}, names)
	})
	if !ok {
		return
	}
	g.collector.(*prometheus.GaugeVec).WithLabelValues(g.values(labels)...).Set(value)
}

func helpText(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// sanitize maps a name onto the Prometheus metric/label name alphabet.
func sanitize(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
