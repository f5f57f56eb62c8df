package config

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap/zaptest"
)

func TestBuildDefaults(t *testing.T) {
	cfg, diags := NewConfig().WithLogger(zaptest.NewLogger(t)).Build()
	require.False(t, diags.HasErrors(), diags.Error())

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.ProducerInterval)
	assert.Equal(t, GeneratorPrices, cfg.Generator)
}

func TestBuildServerBlock(t *testing.T) {
	src := []byte(`
server {
  listen             = "127.0.0.1:9000"
  heartbeat_interval = "PT1M"
  producer_interval  = 0.5
  generator          = "synthetic"
  queue_size         = 16
  read_limit         = 1024
  metrics            = "otel"
  allowed_origins    = ["example.com", "*.example.org"]
}
`)

	cfg, diags := NewConfig().WithSources(src).Build()
	require.False(t, diags.HasErrors(), diags.Error())

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, time.Minute, cfg.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.ProducerInterval)
	assert.Equal(t, GeneratorSynthetic, cfg.Generator)
	assert.Equal(t, 16, cfg.QueueSize)
	assert.Equal(t, int64(1024), cfg.ReadLimit)
	assert.Equal(t, MetricsOtel, cfg.Metrics)
	assert.Equal(t, []string{"example.com", "*.example.org"}, cfg.AllowedOrigins)
}

func TestBuildPartialBlockKeepsDefaults(t *testing.T) {
	cfg, diags := NewConfig().WithSources([]byte(`server { heartbeat_interval = "10s" }`)).Build()
	require.False(t, diags.HasErrors(), diags.Error())

	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultProducerInterval, cfg.ProducerInterval)
	assert.Equal(t, DefaultQueueSize, cfg.QueueSize)
}

func TestBuildLaterSourcesOverride(t *testing.T) {
	first := []byte(`server {
  listen    = ":7000"
  generator = "none"
}`)
	second := []byte(`server { listen = ":7001" }`)

	cfg, diags := NewConfig().WithSources(first, second).Build()
	require.False(t, diags.HasErrors(), diags.Error())

	assert.Equal(t, ":7001", cfg.Listen)
	assert.Equal(t, GeneratorNone, cfg.Generator)
}

func TestBuildEnvReferences(t *testing.T) {
	src := []byte(`server {
  listen             = ":${env.APP_PORT}"
  heartbeat_interval = env.HB
}`)

	cfg, diags := NewConfig().
		WithEnv([]string{"APP_PORT=9100", "HB=45s"}).
		WithSources(src).
		Build()
	require.False(t, diags.HasErrors(), diags.Error())

	assert.Equal(t, ":9100", cfg.Listen)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatInterval)
}

func TestBuildFunctionCalls(t *testing.T) {
	src := []byte(`server {
  listen          = ":${lookup(env, "APP_PORT", "9000")}"
  generator       = lower(env.GENERATOR)
  queue_size      = max(8, tonumber(env.QUEUE))
  allowed_origins = [base64decode("ZXhhbXBsZS5jb20="), format("%s.example.org", "*")]
}`)

	t.Run("with the variable unset", func(t *testing.T) {
		cfg, diags := NewConfig().
			WithEnv([]string{"GENERATOR=SYNTHETIC", "QUEUE=4"}).
			WithSources(src).
			Build()
		require.False(t, diags.HasErrors(), diags.Error())

		assert.Equal(t, ":9000", cfg.Listen)
		assert.Equal(t, GeneratorSynthetic, cfg.Generator)
		assert.Equal(t, 8, cfg.QueueSize)
		assert.Equal(t, []string{"example.com", "*.example.org"}, cfg.AllowedOrigins)
	})

	t.Run("with the variable set", func(t *testing.T) {
		cfg, diags := NewConfig().
			WithEnv([]string{"APP_PORT=9400", "GENERATOR=none", "QUEUE=32"}).
			WithSources(src).
			Build()
		require.False(t, diags.HasErrors(), diags.Error())

		assert.Equal(t, ":9400", cfg.Listen)
		assert.Equal(t, GeneratorNone, cfg.Generator)
		assert.Equal(t, 32, cfg.QueueSize)
	})

	t.Run("error function aborts the build", func(t *testing.T) {
		_, diags := NewConfig().
			WithSources([]byte(`server { listen = error("listen address required") }`)).
			Build()
		require.True(t, diags.HasErrors())
		assert.Contains(t, diags.Error(), "listen address required")
	})

	t.Run("unknown function", func(t *testing.T) {
		_, diags := NewConfig().
			WithSources([]byte(`server { listen = nosuchfunc() }`)).
			Build()
		require.True(t, diags.HasErrors())
		assert.Contains(t, diags.Error(), "nosuchfunc")
	})
}

func TestFunctions(t *testing.T) {
	funcs := Functions()
	for _, name := range []string{"upper", "lookup", "coalesce", "sha256", "base64encode", "cidrhost", "uuidv4", "pathexpand", "typeof"} {
		assert.Contains(t, funcs, name)
	}

	out, err := funcs["sha256"].Call([]cty.Value{cty.StringVal("eventwire")})
	require.NoError(t, err)
	assert.Len(t, out.AsString(), 64)

	out, err = funcs["cidrhost"].Call([]cty.Value{cty.StringVal("10.0.0.0/24"), cty.NumberIntVal(5)})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", out.AsString())

	out, err = funcs["typeof"].Call([]cty.Value{cty.NumberIntVal(1)})
	require.NoError(t, err)
	assert.Equal(t, "number", out.AsString())
}

func TestBuildPortOverride(t *testing.T) {
	t.Run("replaces the port and keeps the host", func(t *testing.T) {
		cfg, diags := NewConfig().
			WithEnv([]string{"WS_PORT=9200"}).
			WithSources([]byte(`server { listen = "127.0.0.1:9000" }`)).
			Build()
		require.False(t, diags.HasErrors(), diags.Error())
		assert.Equal(t, "127.0.0.1:9200", cfg.Listen)
	})

	t.Run("applies to the default listen address", func(t *testing.T) {
		cfg, diags := NewConfig().WithEnv([]string{"WS_PORT=9300"}).Build()
		require.False(t, diags.HasErrors(), diags.Error())
		assert.Equal(t, ":9300", cfg.Listen)
	})

	t.Run("empty value is ignored", func(t *testing.T) {
		cfg, diags := NewConfig().WithEnv([]string{"WS_PORT="}).Build()
		require.False(t, diags.HasErrors(), diags.Error())
		assert.Equal(t, DefaultListen, cfg.Listen)
	})

	t.Run("invalid port", func(t *testing.T) {
		for _, port := range []string{"http", "0", "70000"} {
			_, diags := NewConfig().WithEnv([]string{"WS_PORT=" + port}).Build()
			assert.True(t, diags.HasErrors(), port)
		}
	})
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		summary string
	}{
		{"unknown generator", `server { generator = "lottery" }`, "Invalid configuration"},
		{"unknown metrics backend", `server { metrics = "statsd" }`, "Invalid configuration"},
		{"zero queue size", `server { queue_size = 0 }`, "Invalid configuration"},
		{"bad listen address", `server { listen = "nowhere" }`, "Invalid configuration"},
		{"negative duration", `server { heartbeat_interval = -5 }`, "Invalid duration"},
		{"negative go duration", `server { heartbeat_interval = "-5s" }`, "Invalid duration format"},
		{"garbage duration", `server { producer_interval = "soon" }`, "Invalid duration format"},
		{"bad iso duration", `server { producer_interval = "PXYZ" }`, "Invalid duration format"},
		{"wrong duration type", `server { producer_interval = true }`, "Invalid duration type"},
		{"unknown attribute", `server { port = 80 }`, "Unsupported argument"},
		{"duplicate block", "server {}\nserver {}", "Duplicate server block"},
		{"unknown block", `client {}`, "Unsupported block type"},
		{"syntax error", `server {`, "Unclosed configuration block"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, diags := NewConfig().WithSources([]byte(tt.src)).Build()
			require.True(t, diags.HasErrors())
			assert.Nil(t, cfg)
			assert.Contains(t, diags.Error(), tt.summary)
		})
	}
}

func TestBuildFromFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-base.hcl"), []byte(`server { listen = ":7100" }`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-override.hcl"), []byte(`server { listen = ":7200" }`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`not hcl`), 0o600))

	t.Run("directory", func(t *testing.T) {
		cfg, diags := NewConfig().WithSources(dir).Build()
		require.False(t, diags.HasErrors(), diags.Error())
		assert.Equal(t, ":7200", cfg.Listen)
	})

	t.Run("single file", func(t *testing.T) {
		cfg, diags := NewConfig().WithSources(filepath.Join(dir, "10-base.hcl")).Build()
		require.False(t, diags.HasErrors(), diags.Error())
		assert.Equal(t, ":7100", cfg.Listen)
	})

	t.Run("missing file", func(t *testing.T) {
		_, diags := NewConfig().WithSources(filepath.Join(dir, "absent.hcl")).Build()
		require.True(t, diags.HasErrors())
		assert.Contains(t, diags.Error(), "Failed to stat file")
	})

	t.Run("fs.FS", func(t *testing.T) {
		fsys := fstest.MapFS{
			"conf/server.hcl": {Data: []byte(`server { generator = "none" }`)},
		}
		cfg, diags := NewConfig().WithSources(fsys).Build()
		require.False(t, diags.HasErrors(), diags.Error())
		assert.Equal(t, GeneratorNone, cfg.Generator)
	})

	t.Run("unsupported source", func(t *testing.T) {
		_, diags := NewConfig().WithSources(42).Build()
		require.True(t, diags.HasErrors())
		assert.Contains(t, diags.Error(), "Invalid source type")
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.HeartbeatInterval = 0
	cfg.Generator = "dice"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval must be positive")
	assert.Contains(t, err.Error(), `unknown generator "dice"`)
}
