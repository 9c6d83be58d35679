// Package renderer executes JavaScript-heavy pages in headless Chromium and
// returns the post-execution DOM. Browser contexts live in a bounded pool;
// checkout blocks up to a fixed timeout when all browsers are busy.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/jonesrussell/bicrawl/internal/logger"
	"github.com/jonesrussell/bicrawl/internal/urlutil"
)

const (
	// poolCheckoutTimeout bounds how long Render waits for a free browser.
	poolCheckoutTimeout = 10 * time.Second

	// selectorWaitTimeout bounds the optional wait-for-selector step.
	selectorWaitTimeout = 10 * time.Second

	defaultPoolSize    = 3
	defaultPageTimeout = 30 * time.Second
)

// ErrPoolExhausted is returned when no browser frees up within the checkout
// timeout.
var ErrPoolExhausted = errors.New("renderer: browser pool exhausted")

// Config controls the browser pool.
type Config struct {
	PoolSize     int
	PageTimeout  time.Duration
	UserAgent    string
	ChromiumPath string
	// WaitSelectors maps a hostname to a CSS selector waited for after
	// navigation. Missing selectors are logged and ignored.
	WaitSelectors map[string]string
}

// Result is a rendered page.
type Result struct {
	HTML     string
	FinalURL string
	Title    string
	Status   int
	Links    []string
	Duration time.Duration
}

// collectLinksJS gathers absolute hrefs and form actions from the rendered
// DOM, including links injected by script after load.
const collectLinksJS = `Array.from(document.querySelectorAll('a[href]')).map(a => a.href)
	.concat(Array.from(document.querySelectorAll('form[action]')).map(f => f.action))`

// Renderer owns a pool of headless browser contexts.
type Renderer struct {
	cfg  Config
	log  logger.Interface
	pool chan context.Context

	allocCancel context.CancelFunc
	cancels     []context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New starts the allocator and pre-creates the browser pool.
func New(cfg Config, log logger.Interface) (*Renderer, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = defaultPageTimeout
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("window-size", "1920,1080"),
	)

	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	if cfg.ChromiumPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromiumPath))
	}

	allocator, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	r := &Renderer{
		cfg:         cfg,
		log:         log,
		pool:        make(chan context.Context, cfg.PoolSize),
		allocCancel: allocCancel,
	}

	for i := 0; i < cfg.PoolSize; i++ {
		browserCtx, cancel := chromedp.NewContext(allocator)
		r.cancels = append(r.cancels, cancel)
		r.pool <- browserCtx
	}

	return r, nil
}

// selectorFor returns the configured wait selector for the URL's host, or "".
func (r *Renderer) selectorFor(rawURL string) string {
	if len(r.cfg.WaitSelectors) == 0 {
		return ""
	}

	host, err := urlutil.Host(rawURL)
	if err != nil {
		return ""
	}

	return r.cfg.WaitSelectors[host]
}

// checkout takes a browser from the pool, failing after the checkout timeout.
func (r *Renderer) checkout(ctx context.Context) (context.Context, error) {
	select {
	case browserCtx := <-r.pool:
		return browserCtx, nil
	case <-time.After(poolCheckoutTimeout):
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a browser to the pool. After Close the instance is simply
// dropped; its context is already cancelled.
func (r *Renderer) release(browserCtx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.pool <- browserCtx
}

// Render navigates to rawURL, waits for the body (and the configured
// selector, if any), and returns the final DOM. A missing selector does not
// fail the render.
func (r *Renderer) Render(ctx context.Context, rawURL string) (*Result, error) {
	browserCtx, err := r.checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer r.release(browserCtx)

	pageCtx, cancel := context.WithTimeout(browserCtx, r.cfg.PageTimeout)
	defer cancel()

	start := time.Now()

	var (
		html     string
		title    string
		finalURL string
		links    []string
	)

	resp, err := chromedp.RunResponse(pageCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", rawURL, err)
	}

	status := http.StatusOK
	if resp != nil {
		status = int(resp.Status)
	}

	if selector := r.selectorFor(rawURL); selector != "" {
		waitCtx, waitCancel := context.WithTimeout(pageCtx, selectorWaitTimeout)

		if waitErr := chromedp.Run(waitCtx,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
		); waitErr != nil {
			r.log.Warn("wait selector not found, continuing",
				"url", rawURL,
				"selector", selector,
			)
		}

		waitCancel()
	}

	err = chromedp.Run(pageCtx,
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.Evaluate(collectLinksJS, &links),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, docErr := dom.GetDocument().Do(ctx)
			if docErr != nil {
				return docErr
			}

			html, docErr = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)

			return docErr
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", rawURL, err)
	}

	return &Result{
		HTML:     html,
		FinalURL: finalURL,
		Title:    title,
		Status:   status,
		Links:    links,
		Duration: time.Since(start),
	}, nil
}

// Close tears down the pool and the allocator. In-flight renders observe
// their cancelled contexts and return; their instances are dropped by
// release instead of re-entering the pool.
func (r *Renderer) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

drain:
	for {
		select {
		case <-r.pool:
		default:
			break drain
		}
	}

	for _, cancel := range r.cancels {
		cancel()
	}

	r.allocCancel()

	return nil
}
