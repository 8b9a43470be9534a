package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), cfg.Delivery.HTTPTimeoutMS)
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts)
	assert.Equal(t, int64(1_000), cfg.Delivery.BackoffBaseMS)
	assert.True(t, cfg.Autotick.Enabled)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /var/lib/proxy
sqlitePath: /var/lib/proxy/mirror.db
delivery:
  httpTimeoutMs: 2500
  concurrency: 12
autotick:
  enabled: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/proxy", cfg.DataDir)
	assert.Equal(t, "/var/lib/proxy/mirror.db", cfg.SQLitePath)
	assert.Equal(t, int64(2500), cfg.Delivery.HTTPTimeoutMS)
	assert.Equal(t, 12, cfg.Delivery.Concurrency)
	assert.False(t, cfg.Autotick.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROXY_DELIVERY_HTTP_TIMEOUT_MS", "0")
	t.Setenv("PROXY_WORKER_CONCURRENCY_DELIVERIES", "200")
	t.Setenv("PROXY_RETENTION_DELIVERIES_MAX_DAYS", "3")
	t.Setenv("PROXY_RETENTION_DELIVERY_DLQ_MAX_DAYS", "9")
	t.Setenv("PROXY_CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PROXY_BIND_HOST", "0.0.0.0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cfg.Delivery.HTTPTimeoutMS)
	assert.Equal(t, time.Duration(0), cfg.Delivery.HTTPTimeout(), "0 means no timeout")
	assert.Equal(t, MaxDeliveryConcurrency, cfg.Delivery.Concurrency, "concurrency is capped")
	assert.Equal(t, 3, cfg.Delivery.RetentionDays)
	assert.Equal(t, 9, cfg.Delivery.RetentionDLQDays)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "0.0.0.0", cfg.BindHost)
}

func TestEnvRejectsNegative(t *testing.T) {
	t.Setenv("PROXY_RETENTION_DELIVERIES_MAX_DAYS", "-1")
	_, err := Load("")
	assert.Error(t, err)
}

func TestBindHostFallback(t *testing.T) {
	t.Setenv("BIND_HOST", "10.0.0.5")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.BindHost)
}
