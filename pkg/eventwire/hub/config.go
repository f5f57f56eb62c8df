package hub

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
	"github.com/tsarna/eventwire/pkg/eventwire/generator"
	"github.com/tsarna/eventwire/pkg/eventwire/o11y"
)

// HubConfig holds the configuration for creating a Hub.
// Use NewHubConfig() to create a new configuration and chain methods to set
// the values, then call Build() to create the Hub.
type HubConfig struct {
	logger            *zap.Logger
	clock             clock.Clock
	heartbeatInterval time.Duration
	producerInterval  time.Duration
	generator         generator.Generator
	queueSize         int
	readLimit         int64
	writeTimeout      time.Duration
	originPatterns    []string
	metricsProvider   o11y.MetricsProvider
	tracingProvider   o11y.TracingProvider
	metricsHandler    http.Handler
}

const (
	// DefaultHeartbeatInterval is the client heartbeat period the sweep
	// assumes. Clients silent for twice this long are evicted.
	DefaultHeartbeatInterval = 30 * time.Second

	DefaultProducerInterval = 2 * time.Second

	// DefaultQueueSize is the per-client outbound buffer. Frames beyond it
	// are dropped.
	DefaultQueueSize = 256

	DefaultReadLimit = 64 * 1024

	DefaultWriteTimeout = 10 * time.Second

	// minSweepInterval bounds how often the heartbeat sweep runs.
	minSweepInterval = 5 * time.Second
)

// NewHubConfig creates a new HubConfig with defaults. No generator is set,
// so the periodic producer is disabled until WithGenerator is called.
func NewHubConfig() *HubConfig {
	return &HubConfig{
		heartbeatInterval: DefaultHeartbeatInterval,
		producerInterval:  DefaultProducerInterval,
		queueSize:         DefaultQueueSize,
		readLimit:         DefaultReadLimit,
		writeTimeout:      DefaultWriteTimeout,
	}
}

func (c *HubConfig) WithLogger(logger *zap.Logger) *HubConfig {
	c.logger = logger
	return c
}

// WithClock sets the clock driving the heartbeat sweep and message
// timestamps.
func (c *HubConfig) WithClock(clk clock.Clock) *HubConfig {
	c.clock = clk
	return c
}

func (c *HubConfig) WithHeartbeatInterval(interval time.Duration) *HubConfig {
	if interval > 0 {
		c.heartbeatInterval = interval
	}
	return c
}

func (c *HubConfig) WithProducerInterval(interval time.Duration) *HubConfig {
	if interval > 0 {
		c.producerInterval = interval
	}
	return c
}

// WithGenerator sets the source of periodically broadcast events. If it
// implements generator.ClientCounter it is bound to the hub's client count.
func (c *HubConfig) WithGenerator(gen generator.Generator) *HubConfig {
	c.generator = gen
	return c
}

func (c *HubConfig) WithQueueSize(size int) *HubConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithReadLimit sets the maximum size in bytes of an inbound frame.
func (c *HubConfig) WithReadLimit(limit int64) *HubConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

func (c *HubConfig) WithWriteTimeout(timeout time.Duration) *HubConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithOriginPatterns allows cross-origin WebSocket upgrades from hosts
// matching the given patterns, e.g. "*.example.com" or "*" for any origin.
func (c *HubConfig) WithOriginPatterns(patterns ...string) *HubConfig {
	if len(patterns) > 0 {
		c.originPatterns = make([]string, len(patterns))
		copy(c.originPatterns, patterns)
	}
	return c
}

func (c *HubConfig) WithMetricsProvider(provider o11y.MetricsProvider) *HubConfig {
	c.metricsProvider = provider
	return c
}

func (c *HubConfig) WithTracingProvider(provider o11y.TracingProvider) *HubConfig {
	c.tracingProvider = provider
	return c
}

// WithMetricsHandler mounts handler at /metrics on the hub's HTTP router.
func (c *HubConfig) WithMetricsHandler(handler http.Handler) *HubConfig {
	c.metricsHandler = handler
	return c
}

// sweepInterval is half the heartbeat interval, but never less than
// minSweepInterval.
func (c *HubConfig) sweepInterval() time.Duration {
	return max(minSweepInterval, c.heartbeatInterval/2)
}

// IsValid returns an error if the configuration cannot produce a working hub.
func (c *HubConfig) IsValid() error {
	var problems []string
	if c.heartbeatInterval <= 0 {
		problems = append(problems, "heartbeat interval must be positive")
	}
	if c.producerInterval <= 0 {
		problems = append(problems, "producer interval must be positive")
	}
	if c.queueSize <= 0 {
		problems = append(problems, "queue size must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid hub configuration: %v", problems)
	}
	return nil
}

// Build validates the configuration and creates a running Hub. The
// heartbeat sweep and, when a generator is configured, the producer start
// immediately; call Shutdown to stop them.
func (c *HubConfig) Build() (*Hub, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}

	h, err := newHub(c)
	if err != nil {
		return nil, err
	}
	h.start()
	return h, nil
}
