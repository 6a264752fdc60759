package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Database.URL = "postgres://localhost/gatehouse"
	return cfg
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("GH_TEST_STRING", "custom")
	t.Setenv("GH_TEST_BOOL", "1")
	t.Setenv("GH_TEST_INT", "42")
	t.Setenv("GH_TEST_BAD_INT", "forty-two")
	t.Setenv("GH_TEST_DURATION", "90s")
	t.Setenv("GH_TEST_FLOAT", "0.25")

	assert.Equal(t, "custom", getEnv("GH_TEST_STRING", "default"))
	assert.Equal(t, "default", getEnv("GH_TEST_UNSET", "default"))
	assert.True(t, getEnvBool("GH_TEST_BOOL", false))
	assert.Equal(t, 42, getEnvInt("GH_TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("GH_TEST_BAD_INT", 7))
	assert.Equal(t, int64(42), getEnvInt64("GH_TEST_INT", 0))
	assert.Equal(t, 90*time.Second, getEnvDuration("GH_TEST_DURATION", time.Second))
	assert.Equal(t, 0.25, getEnvFloat("GH_TEST_FLOAT", 1))
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("GATEHOUSE_DB_URL", "postgres://db/gatehouse")
	t.Setenv("GATEHOUSE_PORT", "8181")
	t.Setenv("GATEHOUSE_CACHE_TTL", "30s")
	t.Setenv("GATEHOUSE_LOG_LEVEL", "debug")
	t.Setenv("GATEHOUSE_BOOTSTRAP_ADMINS", "root, ops")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, "postgres://db/gatehouse", cfg.Database.URL)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.Level())
	assert.Equal(t, "X-Principal-ID", cfg.Server.PrincipalHeader)
	assert.Equal(t, "root, ops", cfg.Database.BootstrapAdmins)
}

func TestLoadConfig_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatehouse.yaml")
	doc := `
database:
  driver: sqlite3
  url: "file:gatehouse.db"
audit:
  sink: file
  file_path: /var/log/gatehouse
cache:
  backend: redis
  redis_url: redis://localhost:6379/0
  ttl: 2m
navigation:
  file_path: /etc/gatehouse/navigation.yaml
  watch: false
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Setenv("GATEHOUSE_CONFIG_FILE", path)
	t.Setenv("GATEHOUSE_CACHE_BACKEND", "memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "memory", cfg.Cache.Backend, "env wins over file")
	assert.Equal(t, "/etc/gatehouse/navigation.yaml", cfg.Navigation.FilePath)
	assert.False(t, cfg.Navigation.Watch)
	assert.Equal(t, "8080", cfg.Server.Port, "defaults survive the overlay")
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	t.Setenv("GATEHOUSE_CONFIG_FILE", path)

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "invalid database driver"},
		{"missing db url", func(c *Config) { c.Database.URL = "" }, "database URL is required"},
		{"redis without url", func(c *Config) { c.Cache.Backend = "redis" }, "redis URL is required"},
		{"bad cache backend", func(c *Config) { c.Cache.Backend = "memcached" }, "invalid cache backend"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache TTL must be positive"},
		{"none cache ignores ttl", func(c *Config) { c.Cache.Backend = "none"; c.Cache.TTL = 0 }, ""},
		{"bad audit sink", func(c *Config) { c.Audit.Sink = "kafka" }, "invalid audit sink"},
		{"file sink without path", func(c *Config) { c.Audit.Sink = "file"; c.Audit.FilePath = "" }, "audit file path is required"},
		{"db sink on sqlite", func(c *Config) { c.Database.Driver = "sqlite3" }, "requires the postgres driver"},
		{"sqlite without db sink", func(c *Config) { c.Database.Driver = "sqlite3"; c.Audit.Sink = "none" }, ""},
		{"archive without bucket", func(c *Config) { c.Audit.ArchiveEnabled = true }, "S3 bucket is required"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "OpenTelemetry endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
