// Package config handles loading, validation, and access to crawl engine
// settings from a yaml file and BICRAWL_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/jonesrussell/bicrawl/internal/logger"
)

// Default configuration values.
const (
	DefaultCrawlWorkers   = 4
	DefaultParseWorkers   = 2
	DefaultMaxConcurrent  = 10
	DefaultMaxContentSize = 50 * 1024 * 1024 // 50 MiB
	DefaultMaxRetries     = 3
	DefaultUserAgent      = "BusinessIntelCrawler/1.0"

	DefaultRequestsPerSecond = 2.0
	DefaultBurstSize         = 5
	DefaultJitterFactor      = 0.5

	DefaultMaxBrowsers = 3
	DefaultPageTimeout = 30 * time.Second

	DefaultDNSCacheTTL = 5 * time.Minute

	DefaultServerAddr = ":8060"
)

// Broker backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendKafka  = "kafka"
	BackendSQS    = "sqs"
)

// Config is the root configuration for the crawl engine.
type Config struct {
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	DNS       DNSConfig       `mapstructure:"dns"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Records   RecordsConfig   `mapstructure:"records"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   logger.Config   `mapstructure:"logging"`
}

// CrawlConfig holds worker pool sizing and fetch limits.
type CrawlConfig struct {
	NumCrawlWorkers int    `mapstructure:"num_crawl_workers"`
	NumParseWorkers int    `mapstructure:"num_parse_workers"`
	MaxConcurrent   int    `mapstructure:"max_concurrent"`
	MaxContentSize  int64  `mapstructure:"max_content_size"`
	MaxRetries      int    `mapstructure:"max_retries"`
	UserAgent       string `mapstructure:"user_agent"`
}

// RateLimitConfig holds token-bucket parameters.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
	JitterFactor      float64 `mapstructure:"jitter_factor"`
	PerDomain         bool    `mapstructure:"per_domain"`
}

// RendererConfig holds headless browser pool parameters.
type RendererConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxBrowsers int           `mapstructure:"max_browsers"`
	PageTimeout time.Duration `mapstructure:"page_timeout"`
	// WaitSelectors maps a hostname to a CSS selector the renderer waits
	// for before capturing the DOM.
	WaitSelectors map[string]string `mapstructure:"wait_selectors"`
}

// DNSConfig holds DNS cache parameters.
type DNSConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// BrokerConfig selects and configures the queue backend.
type BrokerConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
	SQS     SQSConfig   `mapstructure:"sqs"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// KafkaConfig holds connection settings for the streaming backend.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Group       string   `mapstructure:"group"`
	BufferSize  int      `mapstructure:"buffer_size"`
}

// SQSConfig holds queue URLs for the cloud-queue backend. AccessKey and
// SecretKey are optional overrides for local SQS emulators.
type SQSConfig struct {
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"-"`

	FrontierQueueURL      string `mapstructure:"frontier_queue_url"`
	PriorityQueueURL      string `mapstructure:"priority_queue_url"` // FIFO queue
	ParseQueueURL         string `mapstructure:"parse_queue_url"`
	ParsePriorityQueueURL string `mapstructure:"parse_priority_queue_url"` // FIFO queue
	RetryQueueURL         string `mapstructure:"retry_queue_url"`
	DeadLetterQueueURL    string `mapstructure:"dead_letter_queue_url"`
}

// StorageConfig selects and configures the raw-body blob store.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Minio   MinioConfig `mapstructure:"minio"`
}

// MinioConfig holds MinIO connection settings.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"-"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// RecordsConfig selects and configures the crawl record store.
type RecordsConfig struct {
	Backend       string              `mapstructure:"backend"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn" json:"-"`
}

// ElasticsearchConfig holds Elasticsearch connection settings.
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password" json:"-"`
	Index     string   `mapstructure:"index"`
}

// ServerConfig holds the ops server listen address.
type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// Load reads configuration from the given file (optional) and the
// environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	// .env is optional; ignore absence.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BICRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))

	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults always validate.
		panic(err)
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.num_crawl_workers", DefaultCrawlWorkers)
	v.SetDefault("crawl.num_parse_workers", DefaultParseWorkers)
	v.SetDefault("crawl.max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("crawl.max_content_size", DefaultMaxContentSize)
	v.SetDefault("crawl.max_retries", DefaultMaxRetries)
	v.SetDefault("crawl.user_agent", DefaultUserAgent)

	v.SetDefault("rate_limit.requests_per_second", DefaultRequestsPerSecond)
	v.SetDefault("rate_limit.burst_size", DefaultBurstSize)
	v.SetDefault("rate_limit.jitter_factor", DefaultJitterFactor)
	v.SetDefault("rate_limit.per_domain", true)

	v.SetDefault("renderer.enabled", false)
	v.SetDefault("renderer.max_browsers", DefaultMaxBrowsers)
	v.SetDefault("renderer.page_timeout", DefaultPageTimeout)

	v.SetDefault("dns.cache_ttl", DefaultDNSCacheTTL)

	v.SetDefault("broker.backend", BackendMemory)
	v.SetDefault("broker.redis.addr", "localhost:6379")
	v.SetDefault("broker.redis.prefix", "bicrawl")
	v.SetDefault("broker.kafka.topic_prefix", "bicrawl")
	v.SetDefault("broker.kafka.group", "bicrawl-workers")
	v.SetDefault("broker.kafka.buffer_size", 100)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.minio.bucket", "bicrawl-raw")

	v.SetDefault("records.backend", "memory")
	v.SetDefault("records.elasticsearch.index", "crawl_records")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", DefaultServerAddr)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Crawl.NumCrawlWorkers < 1 {
		return errors.New("crawl.num_crawl_workers must be positive")
	}

	if c.Crawl.NumParseWorkers < 1 {
		return errors.New("crawl.num_parse_workers must be positive")
	}

	if c.Crawl.MaxConcurrent < 1 {
		return errors.New("crawl.max_concurrent must be positive")
	}

	if c.Crawl.MaxContentSize < 1 {
		return errors.New("crawl.max_content_size must be positive")
	}

	if c.Crawl.MaxRetries < 0 {
		return errors.New("crawl.max_retries must be non-negative")
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		return errors.New("rate_limit.requests_per_second must be positive")
	}

	if c.RateLimit.BurstSize < 1 {
		return errors.New("rate_limit.burst_size must be positive")
	}

	if c.RateLimit.JitterFactor < 0 {
		return errors.New("rate_limit.jitter_factor must be non-negative")
	}

	if c.Renderer.MaxBrowsers < 1 {
		return errors.New("renderer.max_browsers must be positive")
	}

	if c.DNS.CacheTTL <= 0 {
		return errors.New("dns.cache_ttl must be positive")
	}

	switch c.Broker.Backend {
	case BackendMemory, BackendRedis, BackendKafka, BackendSQS:
	default:
		return fmt.Errorf("unknown broker backend %q", c.Broker.Backend)
	}

	return nil
}
