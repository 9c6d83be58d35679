package parser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonesrussell/bicrawl/internal/blobstore"
	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/domain"
	"github.com/jonesrussell/bicrawl/internal/logger"
	"github.com/jonesrussell/bicrawl/internal/metrics"
	"github.com/jonesrussell/bicrawl/internal/urlutil"
)

// defaultPollInterval is the sleep between empty parse-queue polls.
const defaultPollInterval = 250 * time.Millisecond

// Config sizes the parse worker pool.
type Config struct {
	NumWorkers    int
	MaxConcurrent int
	PollInterval  time.Duration
}

// Pool is the parse worker pool.
type Pool struct {
	cfg     Config
	broker  broker.Broker
	blobs   blobstore.Store
	metrics *metrics.ParseMetrics
	log     logger.Interface

	// sem bounds in-flight parse tasks across the pool's workers.
	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a parse worker pool.
func New(cfg Config, qb broker.Broker, bs blobstore.Store, m *metrics.ParseMetrics, log logger.Interface) *Pool {
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
		cfg:     cfg,
		broker:  qb,
		blobs:   bs,
		metrics: m,
		log:     log,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start launches the worker loops and blocks until ctx is cancelled and all
// in-flight parse tasks have finished.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("starting parse workers",
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
	p.log.Info("parse workers stopped")
}

// poll is one worker's dequeue loop. Each dequeued task is processed in its
// own goroutine bounded by the shared semaphore.
func (p *Pool) poll(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.broker.DequeueParse(ctx)
		if err != nil {
			p.log.Warn("parse dequeue failed", "worker_id", workerID, "error", err.Error())
			p.sleep(ctx)

			continue
		}

		if task == nil {
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

			if procErr := p.process(ctx, task); procErr != nil {
				p.fail(ctx, task, procErr)
			}
		}()
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

// process extracts links from the task's stored body and enqueues discovered
// URLs at the next link depth.
func (p *Pool) process(ctx context.Context, task *domain.ParseTask) error {
	raw, err := p.blobs.Get(ctx, task.StorageLocation)
	if err != nil {
		return fmt.Errorf("load raw body: %w", err)
	}

	if raw == nil {
		return fmt.Errorf("raw body %s not found", task.RawID)
	}

	var links []string

	if task.RequiresOCR {
		links = extractTextLinks(raw.Body)
	} else {
		links, err = extractHTMLLinks(task.URL, raw.Body)
		if err != nil {
			return err
		}
	}

	// Links the renderer saw in the live DOM may not survive in the
	// serialized HTML; fold them in before dedup.
	links = append(links, task.RenderedLinks()...)

	filtered := filterLinks(links)
	enqueued := 0

	for _, link := range filtered {
		u, buildErr := p.buildFrontierURL(task, link)
		if buildErr != nil {
			continue
		}

		if enqErr := p.broker.EnqueueFrontier(ctx, u); enqErr != nil {
			p.log.Warn("frontier enqueue failed", "url", link, "error", enqErr.Error())
			continue
		}

		enqueued++
	}

	p.metrics.RecordParsed(len(filtered), enqueued, task.RequiresOCR)

	p.log.Debug("parse task completed",
		"task_id", task.TaskID,
		"url", task.URL,
		"links_extracted", len(filtered),
		"links_enqueued", enqueued,
		"ocr", task.RequiresOCR,
	)

	return nil
}

// buildFrontierURL wraps a discovered link as a frontier URL one hop deeper
// than its parent, at one priority step lower.
func (p *Pool) buildFrontierURL(task *domain.ParseTask, link string) (*domain.FrontierURL, error) {
	priority := task.Priority - 1
	if priority < domain.MinPriority {
		priority = domain.MinPriority
	}

	u, err := domain.NewFrontierURL(link, task.JobID(), priority)
	if err != nil {
		return nil, err
	}

	depth := task.LinkDepth() + 1

	u.SourceURL = task.URL
	u.LinkDepth = depth
	u.Depth = depth
	u.RequiresJS = urlutil.NeedsRendering(link)
	u.MaxRetries = task.MaxRetries
	u.Metadata[domain.MetaJobID] = task.JobID()
	u.Metadata[domain.MetaLinkDepth] = depth
	u.AddTags(
		fmt.Sprintf("discovered_from:%s", task.URL),
		fmt.Sprintf("link_depth:%d", depth),
	)

	return u, nil
}

// fail escalates a structural parse failure. Parsing is deterministic given
// the stored body, so there is no delayed retry; the task re-enters the
// parse queue immediately until its budget runs out.
func (p *Pool) fail(ctx context.Context, task *domain.ParseTask, err error) {
	p.metrics.RecordFailed()

	task.RetryCount++

	if task.RetryCount > task.MaxRetries {
		u, buildErr := domain.NewFrontierURL(task.URL, task.JobID(), task.Priority)
		if buildErr == nil {
			u.RetryCount = task.RetryCount
			u.MaxRetries = task.MaxRetries

			if deadErr := p.broker.EnqueueDead(ctx, u, fmt.Sprintf("parse failed: %s", err.Error())); deadErr != nil {
				p.log.Error("dead-letter enqueue failed", "task_id", task.TaskID, "error", deadErr.Error())
			}
		}

		p.log.Info("parse task dead-lettered", "task_id", task.TaskID, "url", task.URL, "error", err.Error())

		return
	}

	if reqErr := p.broker.EnqueueParse(ctx, task); reqErr != nil {
		p.log.Error("parse re-enqueue failed", "task_id", task.TaskID, "error", reqErr.Error())
		return
	}

	p.log.Warn("parse task failed, re-enqueued",
		"task_id", task.TaskID,
		"url", task.URL,
		"retry_count", task.RetryCount,
		"error", err.Error(),
	)
}
