package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
	"github.com/tsarna/eventwire/pkg/eventwire/config"
	"github.com/tsarna/eventwire/pkg/eventwire/generator"
	"github.com/tsarna/eventwire/pkg/eventwire/hub"
	"github.com/tsarna/eventwire/pkg/eventwire/otel"
	"github.com/tsarna/eventwire/pkg/eventwire/prom"
)

const (
	serviceName     = "eventwire"
	shutdownTimeout = 10 * time.Second
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server [config-files-or-directories...]",
	Short: "Run the WebSocket hub",
	Long: `Run the WebSocket hub.

Settings come from the built-in defaults, then any HCL configuration files
or directories given as arguments, then the WS_PORT environment variable,
then command line flags.

Examples:
  eventwire server
  eventwire server --port 9000 --generator synthetic
  eventwire server hub.hcl --heartbeat-interval PT1M`,
	RunE: runServer,
}

type serverFlags struct {
	port              int
	heartbeatInterval string
	producerInterval  string
	generator         string
	metrics           string
	queueSize         int
}

var serverOpts serverFlags

func init() {
	rootCmd.AddCommand(serverCmd)

	serverOpts.bind(serverCmd)
}

func (f *serverFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVarP(&f.port, "port", "p", 0, "port to listen on (overrides WS_PORT)")
	flags.StringVar(&f.heartbeatInterval, "heartbeat-interval", "", "client heartbeat interval, e.g. 30s or PT30S")
	flags.StringVar(&f.producerInterval, "producer-interval", "", "event generator interval, e.g. 2s or PT2S")
	flags.StringVar(&f.generator, "generator", "", "event generator (prices, synthetic, none)")
	flags.StringVar(&f.metrics, "metrics", "", "metrics backend (prometheus, otel, none)")
	flags.IntVar(&f.queueSize, "queue-size", 0, "per-client outbound queue size")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithEnv(os.Environ()).
		WithSources(stringSliceToAnySlice(args)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return diags
	}

	if err := serverOpts.apply(cmd, cfg); err != nil {
		return err
	}

	h, err := buildHub(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.ListenAndServe(cfg.Listen)
	}()

	logger.Info("WebSocket hub listening",
		zap.String("listen", cfg.Listen),
		zap.Duration("heartbeatInterval", cfg.HeartbeatInterval),
		zap.Duration("producerInterval", cfg.ProducerInterval),
		zap.String("generator", cfg.Generator),
		zap.String("metrics", cfg.Metrics),
	)

	var runErr error
	select {
	case runErr = <-serveErr:
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}

	if runErr == nil {
		runErr = <-serveErr
	}
	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", runErr)
	}

	logger.Info("Shutdown complete")
	return nil
}

// apply overrides cfg with every flag set on the command line.
func (f *serverFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var errs []error

	if flags.Changed("port") {
		errs = append(errs, cfg.SetPort(strconv.Itoa(f.port)))
	}
	if flags.Changed("heartbeat-interval") {
		d, err := config.ParseDurationString(f.heartbeatInterval)
		errs = append(errs, err)
		cfg.HeartbeatInterval = d
	}
	if flags.Changed("producer-interval") {
		d, err := config.ParseDurationString(f.producerInterval)
		errs = append(errs, err)
		cfg.ProducerInterval = d
	}
	if flags.Changed("generator") {
		cfg.Generator = f.generator
	}
	if flags.Changed("metrics") {
		cfg.Metrics = f.metrics
	}
	if flags.Changed("queue-size") {
		cfg.QueueSize = f.queueSize
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return cfg.Validate()
}

func buildHub(cfg *config.Config, logger *zap.Logger) (*hub.Hub, error) {
	hc := hub.NewHubConfig().
		WithLogger(logger).
		WithHeartbeatInterval(cfg.HeartbeatInterval).
		WithProducerInterval(cfg.ProducerInterval).
		WithQueueSize(cfg.QueueSize).
		WithReadLimit(cfg.ReadLimit).
		WithOriginPatterns(cfg.AllowedOrigins...)

	switch cfg.Generator {
	case config.GeneratorPrices:
		hc.WithGenerator(generator.NewPriceTicker(generator.NewRand()))
	case config.GeneratorSynthetic:
		hc.WithGenerator(generator.NewSyntheticFeed(generator.NewRand(), clock.New()))
	}

	switch cfg.Metrics {
	case config.MetricsPrometheus:
		provider := prom.NewProvider(serviceName, logger)
		hc.WithMetricsProvider(provider).WithMetricsHandler(provider.Handler())
	case config.MetricsOtel:
		provider := otel.NewProvider(serviceName, version)
		hc.WithMetricsProvider(provider).WithTracingProvider(provider)
	}

	return hc.Build()
}
