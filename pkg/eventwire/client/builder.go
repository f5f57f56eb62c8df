package client

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
	"github.com/tsarna/eventwire/pkg/eventwire/o11y"
)

const (
	defaultReconnectInterval    = 3 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultHeartbeatInterval    = 30 * time.Second
	defaultHeartbeatTimeout     = 5 * time.Second
	defaultDialTimeout          = 10 * time.Second
	defaultWriteTimeout         = 10 * time.Second
	defaultQueueCapacity        = 1000
)

// Monitor observes manager lifecycle events. Callbacks run outside the
// manager lock and may call back into the manager.
type Monitor interface {
	OnStateChange(m *Manager, from, to State)
	OnReconnectScheduled(m *Manager, attempt int, delay time.Duration)
}

// ManagerBuilder provides a fluent interface for building a Manager.
type ManagerBuilder struct {
	url                  string
	reconnectInterval    time.Duration
	maxReconnectAttempts int
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	debug                bool
	autoConnect          bool
	dialTimeout          time.Duration
	writeTimeout         time.Duration
	queueCapacity        int
	overflowPolicy       OverflowPolicy
	backoff              *Backoff
	headers              http.Header
	logger               *zap.Logger
	clock                clock.Clock
	dialer               Dialer
	monitor              Monitor
	metricsProvider      o11y.MetricsProvider
}

// NewManager creates a ManagerBuilder with default settings.
func NewManager() *ManagerBuilder {
	return &ManagerBuilder{
		reconnectInterval:    defaultReconnectInterval,
		maxReconnectAttempts: defaultMaxReconnectAttempts,
		heartbeatInterval:    defaultHeartbeatInterval,
		heartbeatTimeout:     defaultHeartbeatTimeout,
		autoConnect:          true,
		dialTimeout:          defaultDialTimeout,
		writeTimeout:         defaultWriteTimeout,
		queueCapacity:        defaultQueueCapacity,
		overflowPolicy:       DropOldest,
		logger:               zap.NewNop(),
	}
}

// WithURL sets the hub URL, e.g. ws://localhost:8080/ws.
func (b *ManagerBuilder) WithURL(url string) *ManagerBuilder {
	b.url = url
	return b
}

// WithReconnectInterval sets the delay before the first reconnect attempt.
// Later attempts back off by a factor of 1.5. Default is 3s.
func (b *ManagerBuilder) WithReconnectInterval(interval time.Duration) *ManagerBuilder {
	if interval > 0 {
		b.reconnectInterval = interval
	}
	return b
}

// WithMaxReconnectAttempts sets how many automatic reconnects are attempted
// before giving up. Zero disables automatic reconnects. Default is 5.
func (b *ManagerBuilder) WithMaxReconnectAttempts(attempts int) *ManagerBuilder {
	if attempts >= 0 {
		b.maxReconnectAttempts = attempts
	}
	return b
}

// WithHeartbeatInterval sets how often a heartbeat is sent while connected.
func (b *ManagerBuilder) WithHeartbeatInterval(interval time.Duration) *ManagerBuilder {
	if interval > 0 {
		b.heartbeatInterval = interval
	}
	return b
}

// WithHeartbeatTimeout sets how long to wait for a pong or heartbeat_ack
// before the transport is considered dead.
func (b *ManagerBuilder) WithHeartbeatTimeout(timeout time.Duration) *ManagerBuilder {
	if timeout > 0 {
		b.heartbeatTimeout = timeout
	}
	return b
}

// WithDebug enables debug-level logging. When off, the logger is raised to
// info level.
func (b *ManagerBuilder) WithDebug(debug bool) *ManagerBuilder {
	b.debug = debug
	return b
}

// WithAutoConnect controls whether Build starts connecting. Default is true.
func (b *ManagerBuilder) WithAutoConnect(autoConnect bool) *ManagerBuilder {
	b.autoConnect = autoConnect
	return b
}

func (b *ManagerBuilder) WithDialTimeout(timeout time.Duration) *ManagerBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

func (b *ManagerBuilder) WithWriteTimeout(timeout time.Duration) *ManagerBuilder {
	if timeout > 0 {
		b.writeTimeout = timeout
	}
	return b
}

// WithQueueCapacity bounds the number of messages held while disconnected.
// Default is 1000.
func (b *ManagerBuilder) WithQueueCapacity(capacity int) *ManagerBuilder {
	if capacity > 0 {
		b.queueCapacity = capacity
	}
	return b
}

// WithOverflowPolicy sets what happens when the queue is full. Default is DropOldest.
func (b *ManagerBuilder) WithOverflowPolicy(policy OverflowPolicy) *ManagerBuilder {
	b.overflowPolicy = policy
	return b
}

// WithBackoff replaces the default reconnect schedule, e.g. to add a cap or jitter.
func (b *ManagerBuilder) WithBackoff(backoff Backoff) *ManagerBuilder {
	b.backoff = &backoff
	return b
}

// WithHeader sets a single HTTP header for the WebSocket handshake.
func (b *ManagerBuilder) WithHeader(key, value string) *ManagerBuilder {
	if b.headers == nil {
		b.headers = make(http.Header)
	}
	b.headers.Set(key, value)
	return b
}

func (b *ManagerBuilder) WithLogger(logger *zap.Logger) *ManagerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithClock sets the clock driving heartbeat and reconnect timers.
func (b *ManagerBuilder) WithClock(clk clock.Clock) *ManagerBuilder {
	b.clock = clk
	return b
}

// WithDialer replaces the default coder/websocket dialer.
func (b *ManagerBuilder) WithDialer(dialer Dialer) *ManagerBuilder {
	b.dialer = dialer
	return b
}

func (b *ManagerBuilder) WithMonitor(monitor Monitor) *ManagerBuilder {
	b.monitor = monitor
	return b
}

func (b *ManagerBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *ManagerBuilder {
	b.metricsProvider = provider
	return b
}

// IsValid checks that all required configuration is present.
func (b *ManagerBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	if b.heartbeatTimeout >= b.heartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%s) must be shorter than the heartbeat interval (%s)",
			b.heartbeatTimeout, b.heartbeatInterval)
	}

	switch b.overflowPolicy {
	case DropOldest, DropNewest, Reject:
	default:
		return fmt.Errorf("unknown overflow policy %d", b.overflowPolicy)
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	if b.queueCapacity <= 0 {
		b.queueCapacity = defaultQueueCapacity
	}

	return nil
}

// Build creates the Manager and, unless auto-connect is off, starts connecting.
func (b *ManagerBuilder) Build() (*Manager, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if !b.debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
	}
	logger = logger.With(zap.String("url", b.url))

	clk := b.clock
	if clk == nil {
		clk = clock.New()
	}

	dialer := b.dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}

	backoff := DefaultBackoff(b.reconnectInterval)
	if b.backoff != nil {
		backoff = *b.backoff
	}

	m := newManager(managerConfig{
		url:                  b.url,
		maxReconnectAttempts: b.maxReconnectAttempts,
		heartbeatInterval:    b.heartbeatInterval,
		heartbeatTimeout:     b.heartbeatTimeout,
		dialTimeout:          b.dialTimeout,
		writeTimeout:         b.writeTimeout,
		headers:              b.headers.Clone(),
		backoff:              backoff,
		queue:                newOutboundQueue(b.queueCapacity, b.overflowPolicy),
		logger:               logger,
		clock:                clk,
		dialer:               dialer,
		monitor:              b.monitor,
		metrics:              NewManagerMetrics(b.metricsProvider),
	})

	if b.autoConnect {
		if err := m.Connect(); err != nil {
			return nil, err
		}
	}

	return m, nil
}
