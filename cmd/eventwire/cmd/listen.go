package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/client"
	"github.com/tsarna/eventwire/pkg/eventwire/config"
	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
	"github.com/tsarna/eventwire/pkg/eventwire/transform"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen <websocket-url> [topics...]",
	Short: "Print events received from a hub",
	Long: `Connect to a hub, subscribe to the given topics and print every event,
metric and status message as one tab-separated line: type, topic and payload.

Topics may use "+" and "#" wildcards, with "." separating levels. The
connection is re-established with backoff when it drops.

Examples:
  eventwire listen ws://localhost:8080/ws price.BTCUSD
  eventwire listen ws://localhost:8080/ws "price.+" --jq .price
  eventwire listen ws://localhost:8080/ws events --max-reconnect-attempts 20`,
	Args: cobra.MinimumNArgs(1),
	RunE: runListen,
}

type listenFlags struct {
	jq                   string
	reconnectInterval    string
	maxReconnectAttempts int
	heartbeatInterval    string
	dialTimeout          time.Duration
	statsInterval        time.Duration
}

var listenOpts listenFlags

func init() {
	rootCmd.AddCommand(listenCmd)

	flags := listenCmd.Flags()
	flags.StringVar(&listenOpts.jq, "jq", "", "jq query applied to each payload; messages yielding nothing are skipped")
	flags.StringVar(&listenOpts.reconnectInterval, "reconnect-interval", "3s", "delay before the first reconnect attempt")
	flags.IntVar(&listenOpts.maxReconnectAttempts, "max-reconnect-attempts", 5, "reconnect attempts before giving up (0 disables)")
	flags.StringVar(&listenOpts.heartbeatInterval, "heartbeat-interval", "30s", "heartbeat interval")
	flags.DurationVar(&listenOpts.dialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	flags.DurationVar(&listenOpts.statsInterval, "stats-interval", 0, "log connection statistics at this interval (0 disables)")
}

func runListen(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	wsURL, topics := args[0], args[1:]

	var filter *transform.JqFilter
	if listenOpts.jq != "" {
		if filter, err = transform.NewJqFilter(listenOpts.jq); err != nil {
			return err
		}
	}

	reconnectInterval, err := config.ParseDurationString(listenOpts.reconnectInterval)
	if err != nil {
		return fmt.Errorf("invalid --reconnect-interval: %w", err)
	}
	heartbeatInterval, err := config.ParseDurationString(listenOpts.heartbeatInterval)
	if err != nil {
		return fmt.Errorf("invalid --heartbeat-interval: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := newGiveUpWatcher(logger)
	m, err := client.NewManager().
		WithURL(wsURL).
		WithLogger(logger).
		WithDebug(GetDebug() || GetVerbose()).
		WithAutoConnect(false).
		WithReconnectInterval(reconnectInterval).
		WithMaxReconnectAttempts(listenOpts.maxReconnectAttempts).
		WithHeartbeatInterval(heartbeatInterval).
		WithDialTimeout(listenOpts.dialTimeout).
		WithMonitor(watcher).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}
	defer m.Destroy()

	p := &printer{out: cmd.OutOrStdout(), filter: filter, logger: logger}
	for _, typ := range []protocol.MessageType{protocol.TypeEvent, protocol.TypeMetric, protocol.TypeStatus} {
		m.On(typ, client.LoggingListener(p.print, logger, zap.DebugLevel))
	}
	m.On(protocol.TypeWelcome, func(env protocol.Envelope) error {
		logger.Info("Connected", zap.String("clientId", env.ID))
		return nil
	})
	m.On(protocol.TypeError, func(env protocol.Envelope) error {
		logger.Warn("Hub reported an error", zap.String("error", string(env.Error)))
		return nil
	})

	if listenOpts.statsInterval > 0 {
		stats := client.WatchStats(m, listenOpts.statsInterval, statsLogger(logger))
		defer stats.Close()
	}

	if len(topics) > 0 {
		if err := m.Subscribe(topics...); err != nil {
			return err
		}
	}
	if err := m.Connect(); err != nil {
		return err
	}

	logger.Info("Listening for events... (Press Ctrl+C to exit)",
		zap.String("url", wsURL),
		zap.Strings("topics", topics))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown complete")
		return nil
	case <-watcher.done:
		if lastErr := m.Stats().LastError; lastErr != "" {
			return fmt.Errorf("gave up reconnecting to %s: %s", wsURL, lastErr)
		}
		return fmt.Errorf("connection to %s closed", wsURL)
	}
}

// printer writes one line per envelope.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	filter *transform.JqFilter
	logger *zap.Logger
}

func (p *printer) print(env protocol.Envelope) error {
	if p.filter != nil {
		filtered, keep, err := p.filter.Apply(context.Background(), env)
		if err != nil {
			p.logger.Warn("Filter failed", zap.String("type", string(env.Type)), zap.Error(err))
			return nil
		}
		if !keep {
			return nil
		}
		env = filtered
	}

	payload := string(env.Payload)
	if payload == "" {
		payload = "null"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.out, "%s\t%s\t%s\n", env.Type, env.Topic, payload)
	return err
}

// statsLogger logs each connection statistics snapshot.
func statsLogger(logger *zap.Logger) func(client.Stats) {
	return func(s client.Stats) {
		logger.Info("Connection stats",
			zap.Stringer("state", s.State),
			zap.Duration("uptime", s.Uptime),
			zap.Uint64("sent", s.MessagesSent),
			zap.Uint64("received", s.MessagesReceived),
			zap.Int("reconnectAttempts", s.ReconnectAttempts),
			zap.Int("queued", s.QueueLength),
			zap.Uint64("dropped", s.Dropped))
	}
}

// giveUpWatcher closes done once the manager settles in the disconnected
// state. The command never disconnects on its own, so this only happens
// after the manager stops retrying.
type giveUpWatcher struct {
	logger *zap.Logger
	once   sync.Once
	done   chan struct{}
}

func newGiveUpWatcher(logger *zap.Logger) *giveUpWatcher {
	return &giveUpWatcher{logger: logger, done: make(chan struct{})}
}

func (w *giveUpWatcher) OnStateChange(m *client.Manager, from, to client.State) {
	w.logger.Debug("Connection state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if to == client.StateDisconnected {
		w.once.Do(func() { close(w.done) })
	}
}

func (w *giveUpWatcher) OnReconnectScheduled(m *client.Manager, attempt int, delay time.Duration) {
	w.logger.Info("Reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}
