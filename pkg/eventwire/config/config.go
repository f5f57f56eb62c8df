// Package config loads hub server settings from HCL files.
//
// A file contains at most one server block:
//
//	server {
//	  listen             = ":${env.PORT}"
//	  heartbeat_interval = "PT30S"
//	  producer_interval  = 2
//	  generator          = "prices"
//	  queue_size         = 256
//	  metrics            = "prometheus"
//	}
//
// Expressions may reference env.NAME for any environment variable and call the
// functions returned by Functions, e.g. lookup(env, "PORT", "8080"). Later
// sources override earlier ones, and the WS_PORT environment variable
// overrides the port of the listen address.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

// PortEnvVar overrides the port of the listen address.
const PortEnvVar = "WS_PORT"

const (
	GeneratorPrices    = "prices"
	GeneratorSynthetic = "synthetic"
	GeneratorNone      = "none"

	MetricsPrometheus = "prometheus"
	MetricsOtel       = "otel"
	MetricsNone       = "none"
)

const (
	DefaultListen            = ":8080"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultProducerInterval  = 2 * time.Second
	DefaultQueueSize         = 256
	DefaultReadLimit         = 64 * 1024
)

// Config is the resolved server configuration.
type Config struct {
	Listen            string
	HeartbeatInterval time.Duration
	ProducerInterval  time.Duration
	Generator         string
	QueueSize         int
	ReadLimit         int64
	Metrics           string
	AllowedOrigins    []string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:            DefaultListen,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ProducerInterval:  DefaultProducerInterval,
		Generator:         GeneratorPrices,
		QueueSize:         DefaultQueueSize,
		ReadLimit:         DefaultReadLimit,
		Metrics:           MetricsPrometheus,
	}
}

// Validate checks the values that HCL decoding cannot.
func (c *Config) Validate() error {
	var problems []string

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		problems = append(problems, fmt.Sprintf("invalid listen address %q", c.Listen))
	}
	if c.HeartbeatInterval <= 0 {
		problems = append(problems, "heartbeat_interval must be positive")
	}
	if c.ProducerInterval <= 0 {
		problems = append(problems, "producer_interval must be positive")
	}
	switch c.Generator {
	case GeneratorPrices, GeneratorSynthetic, GeneratorNone:
	default:
		problems = append(problems, fmt.Sprintf("unknown generator %q", c.Generator))
	}
	switch c.Metrics {
	case MetricsPrometheus, MetricsOtel, MetricsNone:
	default:
		problems = append(problems, fmt.Sprintf("unknown metrics backend %q", c.Metrics))
	}
	if c.QueueSize <= 0 {
		problems = append(problems, "queue_size must be positive")
	}
	if c.ReadLimit <= 0 {
		problems = append(problems, "read_limit must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

type fileDefinition struct {
	Servers []serverDefinition `hcl:"server,block"`
}

type serverDefinition struct {
	Listen            *string        `hcl:"listen,optional"`
	HeartbeatInterval hcl.Expression `hcl:"heartbeat_interval,optional"`
	ProducerInterval  hcl.Expression `hcl:"producer_interval,optional"`
	Generator         *string        `hcl:"generator,optional"`
	QueueSize         *int           `hcl:"queue_size,optional"`
	ReadLimit         *int64         `hcl:"read_limit,optional"`
	Metrics           *string        `hcl:"metrics,optional"`
	AllowedOrigins    []string       `hcl:"allowed_origins,optional"`
	DefRange          hcl.Range      `hcl:",def_range"`
}

// ConfigBuilder collects sources and produces a Config.
type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
	environ []string
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	cb.logger = logger
	return cb
}

// WithSources adds file paths, directories or raw HCL bytes.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

// WithEnv sets the environment as KEY=VALUE pairs, as returned by
// os.Environ. It is exposed to expressions as env and consulted for
// WS_PORT.
func (cb *ConfigBuilder) WithEnv(environ []string) *ConfigBuilder {
	cb.environ = environ
	return cb
}

// Build parses every source over the defaults and applies WS_PORT.
func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": EnvObject(cb.environ),
		},
		Functions: Functions(),
	}

	config := Default()
	for _, body := range bodies {
		diags = diags.Extend(decodeBody(config, body, evalCtx))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	if port, ok := lookupEnv(cb.environ, PortEnvVar); ok && port != "" {
		if err := config.SetPort(port); err != nil {
			return nil, diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid " + PortEnvVar,
				Detail:   err.Error(),
			})
		}
	}

	if err := config.Validate(); err != nil {
		return nil, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid configuration",
			Detail:   err.Error(),
		})
	}

	logger.Debug("Config built successfully", zap.String("listen", config.Listen))
	return config, diags
}

func decodeBody(config *Config, body hcl.Body, evalCtx *hcl.EvalContext) hcl.Diagnostics {
	def := fileDefinition{}
	diags := gohcl.DecodeBody(body, evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	for i, server := range def.Servers {
		if i > 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate server block",
				Detail:   "Only one server block is allowed per file",
				Subject:  server.DefRange.Ptr(),
			})
			continue
		}
		diags = diags.Extend(applyServer(config, &server, evalCtx))
	}
	return diags
}

func applyServer(config *Config, def *serverDefinition, evalCtx *hcl.EvalContext) hcl.Diagnostics {
	var diags hcl.Diagnostics

	if def.Listen != nil {
		config.Listen = *def.Listen
	}
	if def.Generator != nil {
		config.Generator = *def.Generator
	}
	if def.QueueSize != nil {
		config.QueueSize = *def.QueueSize
	}
	if def.ReadLimit != nil {
		config.ReadLimit = *def.ReadLimit
	}
	if def.Metrics != nil {
		config.Metrics = *def.Metrics
	}
	if def.AllowedOrigins != nil {
		config.AllowedOrigins = def.AllowedOrigins
	}

	if IsExpressionProvided(def.HeartbeatInterval) {
		d, addDiags := ParseDuration(def.HeartbeatInterval, evalCtx)
		diags = diags.Extend(addDiags)
		if !addDiags.HasErrors() {
			config.HeartbeatInterval = d
		}
	}
	if IsExpressionProvided(def.ProducerInterval) {
		d, addDiags := ParseDuration(def.ProducerInterval, evalCtx)
		diags = diags.Extend(addDiags)
		if !addDiags.HasErrors() {
			config.ProducerInterval = d
		}
	}

	return diags
}

// SetPort replaces the port of the listen address and keeps its host.
func (c *Config) SetPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port %q is not a number between 1 and 65535", port)
	}

	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		host = ""
	}
	c.Listen = net.JoinHostPort(host, strconv.Itoa(n))
	return nil
}
