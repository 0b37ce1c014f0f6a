package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "test-secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.ProxyPort)
	assert.Equal(t, 3001, cfg.DashboardPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "file:llmrelay.sqlite", cfg.DBDSN)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, int64(0), cfg.DefaultRPM)
	assert.Equal(t, 1, cfg.WorkerOrdinal)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SESSION_SECRET", "test-secret")
	t.Setenv("PROXY_PORT", "8080")
	t.Setenv("DASHBOARD_PORT", "8081")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DEFAULT_RPM", "60")
	t.Setenv("DEFAULT_TPD", "1000000")
	t.Setenv("DEVELOPERS", "alice, bob ,carol")
	t.Setenv("LLMRELAY_CORS_ORIGINS", "https://dash.example.com")
	t.Setenv("WORKER_ORDINAL", "3")
	t.Setenv("LLMRELAY_OTEL_ENABLED", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.ProxyPort)
	assert.Equal(t, 8081, cfg.DashboardPort)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, int64(60), cfg.DefaultRPM)
	assert.Equal(t, int64(1000000), cfg.DefaultTPD)
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.Developers)
	assert.Equal(t, []string{"https://dash.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 3, cfg.WorkerOrdinal)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoadConfigRequiresSessionSecret(t *testing.T) {
	t.Setenv("SESSION_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_SECRET")
}

func TestValidate(t *testing.T) {
	base := Config{ProxyPort: 3000, DashboardPort: 3001, SessionSecret: "s", WorkerOrdinal: 1}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad proxy port", func(c *Config) { c.ProxyPort = 0 }, "PROXY_PORT"},
		{"bad dashboard port", func(c *Config) { c.DashboardPort = 70000 }, "DASHBOARD_PORT"},
		{"same ports", func(c *Config) { c.DashboardPort = c.ProxyPort }, "must differ"},
		{"negative default limit", func(c *Config) { c.DefaultTPM = -1 }, "DEFAULT_*"},
		{"zero worker ordinal", func(c *Config) { c.WorkerOrdinal = 0 }, "WORKER_ORDINAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	assert.Equal(t, 42, getEnvInt("SOME_INT", 42))
}
