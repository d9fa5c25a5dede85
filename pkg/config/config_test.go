package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leasepool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsNull())
	assert.Equal(t, 100*time.Millisecond, cfg.Pool.PollInterval)
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("SCRATCH_DSN", "postgres://u:p@db:5432/postgres")
	path := writeConfig(t, `
pool:
  name: scratch
  size: 3
  poll_interval: 50ms
  reset_failure_policy: quarantine
backend:
  type: postgres
  settings:
    dsn: ${SCRATCH_DSN}
    prefix: ${SCRATCH_PREFIX:-lease}
    port: 5432
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "scratch", cfg.Pool.Name)
	assert.Equal(t, 3, cfg.Pool.Size)
	assert.Equal(t, 50*time.Millisecond, cfg.Pool.PollInterval)
	assert.Equal(t, "quarantine", cfg.Pool.ResetFailurePolicy)
	assert.Equal(t, 30*time.Second, cfg.Pool.HookTimeout, "untouched keys keep defaults")
	assert.Equal(t, "postgres", cfg.Backend.Type)
	assert.Equal(t, "postgres://u:p@db:5432/postgres", cfg.Backend.Settings["dsn"])
	assert.Equal(t, "lease", cfg.Backend.Setting("prefix", "x"))
	assert.Equal(t, "5432", cfg.Backend.Settings["port"])
	assert.Equal(t, "fallback", cfg.Backend.Setting("missing", "fallback"))
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEASEPOOL_POOL_SIZE", "9")
	t.Setenv("LEASEPOOL_SERVER_ADDRESS", ":9999")
	t.Setenv("LEASEPOOL_CLIENT_ALLOCATE_GRACE", "2s")

	cfg, err := Load(writeConfig(t, "pool:\n  size: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Pool.Size)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, 2*time.Second, cfg.Client.AllocateGrace)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))

	_, err = Load(writeConfig(t, "pool: [unclosed"))
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))

	_, err = Load(writeConfig(t, "pool:\n  size: 0\n"))
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"size", func(c *Config) { c.Pool.Size = -1 }, "pool.size"},
		{"poll interval", func(c *Config) { c.Pool.PollInterval = 0 }, "pool.poll_interval"},
		{"concurrency", func(c *Config) { c.Pool.CreateConcurrency = 0 }, "pool.create_concurrency"},
		{"policy", func(c *Config) { c.Pool.ResetFailurePolicy = "retry" }, "pool.reset_failure_policy"},
		{"backend", func(c *Config) { c.Backend.Type = "" }, "backend.type"},
		{"rate", func(c *Config) { c.Client.RateLimitPerSec = -1 }, "client.rate_limit_per_sec"},
		{"sampling", func(c *Config) { c.Observability.SamplingRate = 2 }, "observability.sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var perr *poolerrors.Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, poolerrors.ErrorTypeConfig, perr.Type)
			assert.Equal(t, tt.key, perr.Details["key"])
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	cfg := Default()
	cfg.Pool.Size = 7
	cfg.Backend = BackendConfig{Type: "endpoint", Settings: map[string]string{"endpoints": "a:1,b:2"}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("LP_HOST", "db.local")
	assert.Equal(t, "host: db.local", substituteEnvVars("host: ${LP_HOST}"))
	assert.Equal(t, "a= b=x", substituteEnvVars("a=${LP_UNSET_VAR} b=${LP_UNSET_VAR:-x}"))
	assert.Equal(t, "keep ${open", substituteEnvVars("keep ${open"))
}

func TestDecodeSettings(t *testing.T) {
	var s struct {
		Endpoints   []string      `mapstructure:"endpoints"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
		Retries     int           `mapstructure:"retries"`
		Insecure    bool          `mapstructure:"insecure"`
	}
	err := DecodeSettings(map[string]string{
		"endpoints":    "a:1,b:2",
		"dial_timeout": "2s",
		"retries":      "3",
		"insecure":     "true",
	}, &s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, s.Endpoints)
	assert.Equal(t, 2*time.Second, s.DialTimeout)
	assert.Equal(t, 3, s.Retries)
	assert.True(t, s.Insecure)

	err = DecodeSettings(map[string]string{"retries": "many"}, &s)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
}
