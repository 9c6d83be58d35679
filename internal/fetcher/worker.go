package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonesrussell/bicrawl/internal/blobstore"
	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/domain"
	"github.com/jonesrussell/bicrawl/internal/logger"
	"github.com/jonesrussell/bicrawl/internal/metrics"
	"github.com/jonesrussell/bicrawl/internal/records"
	"github.com/jonesrussell/bicrawl/internal/renderer"
	"github.com/jonesrussell/bicrawl/internal/urlutil"
)

// defaultPollInterval is the sleep between empty frontier polls.
const defaultPollInterval = 250 * time.Millisecond

// Renderer is the headless-render contract the worker consumes. Nil means
// rendering is disabled and all URLs take the HTTP path.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (*renderer.Result, error)
}

// RateLimiter gates outbound requests per domain.
type RateLimiter interface {
	Wait(ctx context.Context, domain string) error
}

// Config sizes the crawl worker pool.
type Config struct {
	NumWorkers     int
	MaxConcurrent  int
	MaxContentSize int64
	UserAgent      string
	PollInterval   time.Duration
}

// Pool is the crawl worker pool.
type Pool struct {
	cfg      Config
	broker   broker.Broker
	records  records.Store
	blobs    blobstore.Store
	renderer Renderer
	limiter  RateLimiter
	client   *http.Client
	resolver Resolver
	metrics  *metrics.CrawlMetrics
	log      logger.Interface

	// sem bounds in-flight fetches across the pool's workers.
	sem chan struct{}
	wg  sync.WaitGroup

	now func() time.Time
}

// New creates a crawl worker pool. renderer may be nil.
func New(
	cfg Config,
	qb broker.Broker,
	crs records.Store,
	bs blobstore.Store,
	hr Renderer,
	rl RateLimiter,
	resolver Resolver,
	m *metrics.CrawlMetrics,
	log logger.Interface,
) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &Pool{
		cfg:      cfg,
		broker:   qb,
		records:  crs,
		blobs:    bs,
		renderer: hr,
		limiter:  rl,
		client:   newHTTPClient(resolver),
		resolver: resolver,
		metrics:  m,
		log:      log,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		now:      time.Now,
	}
}

// Start launches the worker loops and blocks until ctx is cancelled and all
// in-flight fetches have finished.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("starting crawl workers",
		"workers", p.cfg.NumWorkers,
		"max_concurrent", p.cfg.MaxConcurrent,
	)

	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)

		go func(workerID int) {
			defer p.wg.Done()
			p.poll(ctx, workerID)
		}(i)
	}

	p.wg.Wait()
	p.log.Info("crawl workers stopped")
}

// poll is one worker's dequeue loop. Each dequeued URL is processed in its
// own goroutine bounded by the shared semaphore.
func (p *Pool) poll(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		u, err := p.broker.DequeueFrontier(ctx)
		if err != nil {
			p.log.Warn("frontier dequeue failed", "worker_id", workerID, "error", err.Error())
			p.sleep(ctx)

			continue
		}

		if u == nil {
			p.sleep(ctx)
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		p.wg.Add(1)

		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()

			p.process(ctx, workerID, u)
		}()
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

// process runs the full crawl pipeline for one frontier URL.
func (p *Pool) process(ctx context.Context, workerID int, u *domain.FrontierURL) {
	rec, err := p.records.GetByURLHash(ctx, urlutil.Hash(u.URL))
	if err != nil {
		p.fail(ctx, u, transient(fmt.Errorf("load crawl record: %w", err)))
		return
	}

	// Recrawl gate: a URL fetched recently is dropped silently.
	if rec != nil && !rec.DueForRecrawl(p.now()) {
		p.log.Debug("recrawl gate: not due", "url", u.URL, "next_crawl_at", rec.NextCrawlAt)
		return
	}

	if err := p.limiter.Wait(ctx, u.Domain); err != nil {
		p.fail(ctx, u, cancelled(err))
		return
	}

	if _, err := p.resolver.Resolve(ctx, u.Domain); err != nil {
		if isDNSNotFound(err) {
			p.fail(ctx, u, permanent(err))
		} else {
			p.fail(ctx, u, transient(err))
		}

		return
	}

	useRenderer := p.renderer != nil && (u.RequiresJS || urlutil.NeedsRendering(u.URL))

	var out *fetchResult

	if useRenderer {
		out, err = p.fetchRendered(ctx, u)
	} else {
		out, err = p.fetchHTTP(ctx, u, rec)
	}

	if err != nil {
		var failure *fetchFailure
		if !errors.As(err, &failure) {
			failure = transient(err)
		}

		p.fail(ctx, u, failure)

		return
	}

	// 304 path: record touched inside fetchHTTP, nothing more to do.
	if out == nil {
		return
	}

	if persistErr := p.persistAndEmit(ctx, workerID, u, rec, out); persistErr != nil {
		p.fail(ctx, u, transient(persistErr))
		return
	}

	p.metrics.RecordCrawled(int64(len(out.body)), out.elapsed)
}

// fetchResult is a successful fetch awaiting persistence.
type fetchResult struct {
	body         []byte
	statusCode   int
	contentType  string
	finalURL     string
	etag         string
	lastModified string
	isDynamic    bool
	renderedJS   bool
	links        []string
	elapsed      time.Duration
}

// fetchRendered runs the headless-renderer path. The navigation response
// supplies the status; rendered pages carry no other response headers, so
// the content type is fixed.
func (p *Pool) fetchRendered(ctx context.Context, u *domain.FrontierURL) (*fetchResult, error) {
	res, err := p.renderer.Render(ctx, u.URL)
	if err != nil {
		if errors.Is(err, renderer.ErrPoolExhausted) {
			return nil, transient(err)
		}

		return nil, transient(fmt.Errorf("render: %w", err))
	}

	if failure := classifyStatus(res.Status); failure != nil {
		return nil, failure
	}

	body := []byte(res.HTML)
	if int64(len(body)) > p.cfg.MaxContentSize {
		p.metrics.RecordLargeSkipped()
		return nil, oversize(fmt.Errorf("rendered body exceeds max content size %d", p.cfg.MaxContentSize))
	}

	p.metrics.RecordJSRendered()

	return &fetchResult{
		body:        body,
		statusCode:  res.Status,
		contentType: "text/html",
		finalURL:    res.FinalURL,
		isDynamic:   detectDynamic("", body),
		renderedJS:  true,
		links:       res.Links,
		elapsed:     res.Duration,
	}, nil
}

// fetchHTTP runs the plain HTTP path. A nil, nil return means the server
// answered 304 and the crawl record was refreshed in place.
func (p *Pool) fetchHTTP(ctx context.Context, u *domain.FrontierURL, rec *domain.CrawlRecord) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, http.NoBody)
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("User-Agent", p.cfg.UserAgent)
	p.setConditionalHeaders(req, rec)

	start := p.now()

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}

		return nil, transient(fmt.Errorf("http fetch: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		p.metrics.RecordNotModified()

		if rec != nil {
			rec.TouchNotModified()

			if upsertErr := p.records.Upsert(ctx, rec); upsertErr != nil {
				return nil, transient(fmt.Errorf("update crawl record: %w", upsertErr))
			}
		}

		return nil, nil
	}

	if failure := classifyStatus(resp.StatusCode); failure != nil {
		if failure.kind == failRateLimited {
			failure.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}

		return nil, failure
	}

	if resp.ContentLength > p.cfg.MaxContentSize {
		p.metrics.RecordLargeSkipped()
		return nil, oversize(fmt.Errorf("content length %d exceeds max content size %d",
			resp.ContentLength, p.cfg.MaxContentSize))
	}

	body, readFailure := readBody(resp.Body, p.cfg.MaxContentSize)
	if readFailure != nil {
		if readFailure.kind == failOversize {
			p.metrics.RecordLargeSkipped()
		}

		return nil, readFailure
	}

	finalURL := u.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	contentType := resp.Header.Get("Content-Type")
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}

	return &fetchResult{
		body:         body,
		statusCode:   resp.StatusCode,
		contentType:  contentType,
		finalURL:     finalURL,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		isDynamic:    detectDynamic(resp.Header.Get("Cache-Control"), body),
		renderedJS:   false,
		elapsed:      p.now().Sub(start),
	}, nil
}

// setConditionalHeaders adds If-None-Match or If-Modified-Since from the
// stored crawl record. ETag wins when both are present.
func (p *Pool) setConditionalHeaders(req *http.Request, rec *domain.CrawlRecord) {
	if rec == nil {
		return
	}

	switch {
	case rec.ETag != nil && *rec.ETag != "":
		req.Header.Set("If-None-Match", *rec.ETag)
	case rec.LastModified != nil && *rec.LastModified != "":
		req.Header.Set("If-Modified-Since", *rec.LastModified)
	default:
		return
	}

	p.metrics.RecordConditionalRequest()
}

// persistAndEmit writes the raw body, enqueues the parse task, and updates
// the crawl record.
func (p *Pool) persistAndEmit(
	ctx context.Context,
	workerID int,
	u *domain.FrontierURL,
	rec *domain.CrawlRecord,
	out *fetchResult,
) error {
	raw := &blobstore.RawRecord{
		RawID:       blobstore.NewRawID(),
		URL:         u.URL,
		FinalURL:    out.finalURL,
		Domain:      u.Domain,
		JobID:       u.JobID,
		StatusCode:  out.statusCode,
		ContentType: out.contentType,
		Body:        out.body,
		RenderedJS:  out.renderedJS,
		FetchedAt:   p.now().UTC(),
	}

	location, err := p.blobs.Put(ctx, raw)
	if err != nil {
		return fmt.Errorf("persist raw body: %w", err)
	}

	task := domain.NewParseTask(u, raw.RawID, location, out.contentType)
	task.Metadata[domain.MetaFinalURL] = out.finalURL
	task.Metadata[domain.MetaIsDynamic] = out.isDynamic
	task.Metadata[domain.MetaRenderedWithJS] = out.renderedJS
	task.Metadata[domain.MetaWorkerID] = workerID

	if len(out.links) > 0 {
		task.Metadata[domain.MetaRenderedLinks] = out.links
	}

	if err := p.broker.EnqueueParse(ctx, task); err != nil {
		return fmt.Errorf("enqueue parse task: %w", err)
	}

	if rec == nil {
		rec = domain.NewCrawlRecord(u.URL)
	}

	rec.LinkDepth = u.LinkDepth

	if out.etag != "" {
		rec.ETag = &out.etag
	}

	if out.lastModified != "" {
		rec.LastModified = &out.lastModified
	}

	rec.Touch(out.statusCode, int64(len(out.body)), out.renderedJS, out.isDynamic)

	if err := p.records.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("update crawl record: %w", err)
	}

	p.log.Debug("url crawled",
		"url", u.URL,
		"status", out.statusCode,
		"size", len(out.body),
		"rendered_js", out.renderedJS,
		"is_dynamic", out.isDynamic,
	)

	return nil
}

// fail routes a classified failure to the retry or dead-letter queue. The
// crawl record is never touched on failure.
func (p *Pool) fail(ctx context.Context, u *domain.FrontierURL, failure *fetchFailure) {
	if failure.kind == failCancelled {
		return
	}

	p.metrics.RecordFailed()

	if failure.kind == failPermanent || failure.kind == failOversize {
		if err := p.broker.EnqueueDead(ctx, u, failure.Error()); err != nil {
			p.log.Error("dead-letter enqueue failed", "url", u.URL, "error", err.Error())
		}

		p.log.Info("url dead-lettered", "url", u.URL, "reason", failure.Error())

		return
	}

	u.RetryCount++

	if u.RetryCount > u.MaxRetries {
		reason := fmt.Sprintf("Max retries exceeded: %s", failure.Error())

		if err := p.broker.EnqueueDead(ctx, u, reason); err != nil {
			p.log.Error("dead-letter enqueue failed", "url", u.URL, "error", err.Error())
		}

		p.log.Info("url dead-lettered", "url", u.URL, "reason", reason)

		return
	}

	delay := backoffDelay(u.RetryCount, failure.retryAfter)

	if err := p.broker.EnqueueRetry(ctx, u, delay); err != nil {
		p.log.Error("retry enqueue failed", "url", u.URL, "error", err.Error())
		return
	}

	p.log.Info("url scheduled for retry",
		"url", u.URL,
		"retry_count", u.RetryCount,
		"delay", delay.String(),
		"error", failure.Error(),
	)
}
