// Package supervisor owns construction and lifecycle of the crawl engine:
// the queue broker, the stores, the worker pools, and the retry scheduler.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/bicrawl/internal/blobstore"
	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/broker/kafkaq"
	"github.com/jonesrussell/bicrawl/internal/broker/memory"
	"github.com/jonesrussell/bicrawl/internal/broker/redisq"
	"github.com/jonesrussell/bicrawl/internal/broker/sqsq"
	"github.com/jonesrussell/bicrawl/internal/config"
	"github.com/jonesrussell/bicrawl/internal/dnscache"
	"github.com/jonesrussell/bicrawl/internal/domain"
	"github.com/jonesrussell/bicrawl/internal/fetcher"
	"github.com/jonesrussell/bicrawl/internal/logger"
	"github.com/jonesrussell/bicrawl/internal/metrics"
	"github.com/jonesrussell/bicrawl/internal/parser"
	"github.com/jonesrussell/bicrawl/internal/ratelimit"
	"github.com/jonesrussell/bicrawl/internal/records"
	"github.com/jonesrussell/bicrawl/internal/renderer"
)

// retrySchedule is the cron spec for promoting due retry entries.
const retrySchedule = "@every 30s"

// stopGracePeriod bounds how long Stop waits for in-flight work.
const stopGracePeriod = 30 * time.Second

// Stats aggregates worker counters with broker queue depths.
type Stats struct {
	Crawl  metrics.CrawlSnapshot `json:"crawl"`
	Parse  metrics.ParseSnapshot `json:"parse"`
	Broker *broker.Stats         `json:"broker"`

	DNSCacheHits   int64 `json:"dns_cache_hits"`
	DNSCacheMisses int64 `json:"dns_cache_misses"`

	CrawlRecords int64 `json:"crawl_records"`
}

// Supervisor wires the engine together and drives its lifecycle.
type Supervisor struct {
	cfg *config.Config
	log logger.Interface

	broker   broker.Broker
	records  records.Store
	blobs    blobstore.Store
	renderer *renderer.Renderer
	dns      *dnscache.Cache
	limiter  *ratelimit.Limiter

	crawlMetrics *metrics.CrawlMetrics
	parseMetrics *metrics.ParseMetrics

	crawlPool *fetcher.Pool
	parsePool *parser.Pool
	cron      *cron.Cron

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New constructs the engine from configuration. Backends are chosen by
// name; the renderer is built only when enabled.
func New(ctx context.Context, cfg *config.Config, log logger.Interface) (*Supervisor, error) {
	qb, err := newBroker(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	crs, err := newRecordsStore(ctx, cfg)
	if err != nil {
		qb.Close()
		return nil, err
	}

	bs, err := newBlobStore(ctx, cfg, log)
	if err != nil {
		qb.Close()
		crs.Close()

		return nil, err
	}

	s := &Supervisor{
		cfg:          cfg,
		log:          log,
		broker:       qb,
		records:      crs,
		blobs:        bs,
		dns:          dnscache.New(cfg.DNS.CacheTTL),
		crawlMetrics: metrics.NewCrawlMetrics(),
		parseMetrics: metrics.NewParseMetrics(),
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.BurstSize,
		PerDomain:         cfg.RateLimit.PerDomain,
		MaxJitter:         time.Duration(cfg.RateLimit.JitterFactor * float64(time.Second)),
	})

	if cfg.Renderer.Enabled {
		s.renderer, err = renderer.New(renderer.Config{
			PoolSize:      cfg.Renderer.MaxBrowsers,
			PageTimeout:   cfg.Renderer.PageTimeout,
			UserAgent:     cfg.Crawl.UserAgent,
			WaitSelectors: cfg.Renderer.WaitSelectors,
		}, log)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("create renderer: %w", err)
		}
	}

	var hr fetcher.Renderer
	if s.renderer != nil {
		hr = s.renderer
	}

	s.crawlPool = fetcher.New(
		fetcher.Config{
			NumWorkers:     cfg.Crawl.NumCrawlWorkers,
			MaxConcurrent:  cfg.Crawl.MaxConcurrent,
			MaxContentSize: cfg.Crawl.MaxContentSize,
			UserAgent:      cfg.Crawl.UserAgent,
		},
		qb, crs, bs, hr, s.limiter, s.dns, s.crawlMetrics, log,
	)

	s.parsePool = parser.New(
		parser.Config{
			NumWorkers:    cfg.Crawl.NumParseWorkers,
			MaxConcurrent: cfg.Crawl.MaxConcurrent,
		},
		qb, bs, s.parseMetrics, log,
	)

	return s, nil
}

// newBroker constructs the configured queue backend.
func newBroker(ctx context.Context, cfg *config.Config, log logger.Interface) (broker.Broker, error) {
	switch cfg.Broker.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendRedis:
		return redisq.New(redisq.Config{
			Addr:     cfg.Broker.Redis.Addr,
			Password: cfg.Broker.Redis.Password,
			DB:       cfg.Broker.Redis.DB,
			Prefix:   cfg.Broker.Redis.Prefix,
		})
	case config.BackendKafka:
		return kafkaq.New(kafkaq.Config{
			Brokers:     cfg.Broker.Kafka.Brokers,
			TopicPrefix: cfg.Broker.Kafka.TopicPrefix,
			Group:       cfg.Broker.Kafka.Group,
			BufferSize:  cfg.Broker.Kafka.BufferSize,
		}, log)
	case config.BackendSQS:
		return sqsq.New(ctx, sqsq.Config{
			Region:                cfg.Broker.SQS.Region,
			AccessKey:             cfg.Broker.SQS.AccessKey,
			SecretKey:             cfg.Broker.SQS.SecretKey,
			FrontierQueueURL:      cfg.Broker.SQS.FrontierQueueURL,
			PriorityQueueURL:      cfg.Broker.SQS.PriorityQueueURL,
			ParseQueueURL:         cfg.Broker.SQS.ParseQueueURL,
			ParsePriorityQueueURL: cfg.Broker.SQS.ParsePriorityQueueURL,
			RetryQueueURL:         cfg.Broker.SQS.RetryQueueURL,
			DeadLetterQueueURL:    cfg.Broker.SQS.DeadLetterQueueURL,
		})
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}

// newRecordsStore constructs the configured crawl-record store.
func newRecordsStore(ctx context.Context, cfg *config.Config) (records.Store, error) {
	switch cfg.Records.Backend {
	case "memory":
		return records.NewMemoryStore(), nil
	case "postgres":
		return records.NewPostgresStore(ctx, cfg.Records.Postgres.DSN)
	case "elasticsearch":
		return records.NewElasticStore(records.ElasticConfig{
			Addresses: cfg.Records.Elasticsearch.Addresses,
			Username:  cfg.Records.Elasticsearch.Username,
			Password:  cfg.Records.Elasticsearch.Password,
			Index:     cfg.Records.Elasticsearch.Index,
		})
	default:
		return nil, fmt.Errorf("unknown records backend %q", cfg.Records.Backend)
	}
}

// newBlobStore constructs the configured raw-body store.
func newBlobStore(ctx context.Context, cfg *config.Config, log logger.Interface) (blobstore.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return blobstore.NewMemoryStore(), nil
	case "minio":
		return blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.Storage.Minio.Endpoint,
			AccessKey: cfg.Storage.Minio.AccessKey,
			SecretKey: cfg.Storage.Minio.SecretKey,
			Bucket:    cfg.Storage.Minio.Bucket,
			UseSSL:    cfg.Storage.Minio.UseSSL,
		}, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// Start launches the worker pools and the retry scheduler. It returns once
// everything is running.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("supervisor already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	s.cron = cron.New()

	if _, err := s.cron.AddFunc(retrySchedule, func() {
		moved, retryErr := s.broker.ProcessRetry(context.Background())
		if retryErr != nil {
			s.log.Warn("retry promotion failed", "error", retryErr.Error())
			return
		}

		if moved > 0 {
			s.log.Info("promoted retry entries", "count", moved)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule retry processing: %w", err)
	}

	s.cron.Start()

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		s.crawlPool.Start(ctx)
	}()

	go func() {
		defer wg.Done()
		s.parsePool.Start(ctx)
	}()

	go func() {
		wg.Wait()
		close(s.done)
	}()

	s.log.Info("crawl engine started",
		"broker", s.cfg.Broker.Backend,
		"crawl_workers", s.cfg.Crawl.NumCrawlWorkers,
		"parse_workers", s.cfg.Crawl.NumParseWorkers,
	)

	return nil
}

// AddSeedURLs wraps each URL in a frontier entry at depth zero and enqueues
// it. Invalid URLs are skipped with a warning; the count of enqueued seeds
// is returned.
func (s *Supervisor) AddSeedURLs(ctx context.Context, urls []string, jobID string, priority int, requiresJS, isDynamic bool) (int, error) {
	enqueued := 0

	for _, rawURL := range urls {
		u, err := domain.NewFrontierURL(rawURL, jobID, priority)
		if err != nil {
			s.log.Warn("skipping invalid seed url", "url", rawURL, "error", err.Error())
			continue
		}

		u.RequiresJS = requiresJS
		u.IsDynamic = isDynamic
		u.MaxRetries = s.cfg.Crawl.MaxRetries
		u.Metadata[domain.MetaJobID] = jobID
		u.Metadata[domain.MetaLinkDepth] = 0
		u.AddTags(
			"seed_url",
			"link_depth:0",
			fmt.Sprintf("job_id:%s", jobID),
			fmt.Sprintf("priority:%d", u.Priority),
		)

		if err := s.broker.EnqueueFrontier(ctx, u); err != nil {
			return enqueued, fmt.Errorf("enqueue seed %s: %w", rawURL, err)
		}

		enqueued++
	}

	s.log.Info("seed urls enqueued", "count", enqueued, "job_id", jobID)

	return enqueued, nil
}

// Stats aggregates worker counters, broker depths, and store sizes.
func (s *Supervisor) Stats(ctx context.Context) (*Stats, error) {
	brokerStats, err := s.broker.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker stats: %w", err)
	}

	recordCount, err := s.records.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("record count: %w", err)
	}

	hits, misses, _, _ := s.dns.Stats()

	return &Stats{
		Crawl:          s.crawlMetrics.Snapshot(),
		Parse:          s.parseMetrics.Snapshot(),
		Broker:         brokerStats,
		DNSCacheHits:   hits,
		DNSCacheMisses: misses,
		CrawlRecords:   recordCount,
	}, nil
}

// Broker exposes the queue backend, mainly for the ops server's dead-letter
// listing.
func (s *Supervisor) Broker() broker.Broker { return s.broker }

// CrawlMetrics exposes the crawl counters for metrics collectors.
func (s *Supervisor) CrawlMetrics() *metrics.CrawlMetrics { return s.crawlMetrics }

// ParseMetrics exposes the parse counters for metrics collectors.
func (s *Supervisor) ParseMetrics() *metrics.ParseMetrics { return s.parseMetrics }

// Stop cancels the retry scheduler and the workers, waits out the grace
// period, and releases resources.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.started = false

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()

	s.cancel()

	select {
	case <-s.done:
	case <-time.After(stopGracePeriod):
		s.log.Warn("grace period elapsed, abandoning in-flight work")
	}

	s.closeResources()
	s.log.Info("crawl engine stopped")

	return nil
}

func (s *Supervisor) closeResources() {
	if s.renderer != nil {
		if err := s.renderer.Close(); err != nil {
			s.log.Warn("renderer close failed", "error", err.Error())
		}
	}

	if err := s.blobs.Close(); err != nil {
		s.log.Warn("blob store close failed", "error", err.Error())
	}

	if err := s.records.Close(); err != nil {
		s.log.Warn("record store close failed", "error", err.Error())
	}

	if err := s.broker.Close(); err != nil {
		s.log.Warn("broker close failed", "error", err.Error())
	}
}
