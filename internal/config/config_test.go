package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultCrawlWorkers, cfg.Crawl.NumCrawlWorkers)
	assert.Equal(t, int64(DefaultMaxContentSize), cfg.Crawl.MaxContentSize)
	assert.Equal(t, DefaultUserAgent, cfg.Crawl.UserAgent)
	assert.Equal(t, DefaultRequestsPerSecond, cfg.RateLimit.RequestsPerSecond)
	assert.True(t, cfg.RateLimit.PerDomain)
	assert.False(t, cfg.Renderer.Enabled)
	assert.Equal(t, DefaultDNSCacheTTL, cfg.DNS.CacheTTL)
	assert.Equal(t, BackendMemory, cfg.Broker.Backend)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "memory", cfg.Records.Backend)
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
crawl:
  num_crawl_workers: 8
  max_content_size: 1048576
rate_limit:
  requests_per_second: 10
renderer:
  enabled: true
  page_timeout: 45s
broker:
  backend: redis
  redis:
    addr: redis.internal:6379
`

	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Crawl.NumCrawlWorkers)
	assert.Equal(t, int64(1048576), cfg.Crawl.MaxContentSize)
	assert.True(t, cfg.Renderer.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Renderer.PageTimeout)
	assert.Equal(t, BackendRedis, cfg.Broker.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Broker.Redis.Addr)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultParseWorkers, cfg.Crawl.NumParseWorkers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero crawl workers", mutate: func(c *Config) { c.Crawl.NumCrawlWorkers = 0 }},
		{name: "zero parse workers", mutate: func(c *Config) { c.Crawl.NumParseWorkers = 0 }},
		{name: "zero max content size", mutate: func(c *Config) { c.Crawl.MaxContentSize = 0 }},
		{name: "negative max retries", mutate: func(c *Config) { c.Crawl.MaxRetries = -1 }},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }},
		{name: "negative jitter", mutate: func(c *Config) { c.RateLimit.JitterFactor = -0.1 }},
		{name: "zero dns ttl", mutate: func(c *Config) { c.DNS.CacheTTL = 0 }},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Backend = "rabbitmq" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
