package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
app:
  instance_id: "test-1"
logging:
  level: "debug"
  format: "json"
upstream:
  helius:
    base_url: "https://api.helius.xyz"
    api_key: "${TOKENPULSE_TEST_HELIUS_KEY}"
    page_size: 100
    max_pages: 5
  retry:
    max_retries: 3
    initial_interval: 200ms
  request_timeout: 10s
cache:
  backend: "memory"
  ttl:
    metrics: 30s
    price: 1m
analyzer:
  large_trade_fraction: 0.01
  top_n: 5
  pool_addresses:
    - "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
`

func TestLoad(t *testing.T) {
	t.Setenv("TOKENPULSE_TEST_HELIUS_KEY", "secret-key")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-1", cfg.App.InstanceID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "secret-key", cfg.Upstream.Helius.APIKey)
	assert.Equal(t, 100, cfg.Upstream.Helius.PageSize)
	assert.Equal(t, 3, cfg.Upstream.Retry.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Upstream.Retry.InitialInterval)
	assert.Equal(t, 10*time.Second, cfg.Upstream.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Metrics)
	assert.Equal(t, time.Minute, cfg.Cache.TTL.Price)
	assert.InDelta(t, 0.01, cfg.Analyzer.LargeTradeFraction, 1e-9)
	assert.Equal(t, []string{"5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"}, cfg.Analyzer.PoolAddresses)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "cmd", "tokenpulse", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "tokenpulse:cache:", cfg.Cache.Prefix)
	assert.Equal(t, time.Minute, cfg.Analyzer.WindowBucket)
	assert.Equal(t, 20, cfg.API.HTTP.RateLimit.ByIP.Burst)
	assert.Equal(t, []string{"10.0.0.0/8", "172.16.0.0/12"}, cfg.API.HTTP.RateLimit.TrustedProxies)
	assert.False(t, cfg.PubSub.NATS.Enabled)
}
