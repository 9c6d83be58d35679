package parser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bicrawl/internal/blobstore"
	"github.com/jonesrussell/bicrawl/internal/broker/memory"
	"github.com/jonesrussell/bicrawl/internal/domain"
	"github.com/jonesrussell/bicrawl/internal/logger"
	"github.com/jonesrussell/bicrawl/internal/metrics"
)

const fixtureHTML = `<html><body>
<a href="/about">About</a>
<a href="https://other.example.com/page">External</a>
<a href="/about">About again</a>
<a href="/logo.png">Logo link</a>
<a href="#section">Fragment only</a>
<form action="/search" method="get"><input name="q"></form>
<a href="/gallery"><img src="/thumb.jpg"></a>
<img src="/standalone.jpg">
</body></html>`

func TestExtractHTMLLinks(t *testing.T) {
	links, err := extractHTMLLinks("https://example.com/start", []byte(fixtureHTML))
	require.NoError(t, err)

	assert.Contains(t, links, "https://example.com/about")
	assert.Contains(t, links, "https://other.example.com/page")
	assert.Contains(t, links, "https://example.com/search")
	assert.Contains(t, links, "https://example.com/gallery")

	// The standalone image has no anchor parent and contributes nothing.
	assert.NotContains(t, links, "https://example.com/standalone.jpg")
}

func TestExtractTextLinks(t *testing.T) {
	body := []byte(`Invoice scanned. Visit https://example.com/terms or
https://example.com/contact?ref=ocr for details. Not a link: ftp://example.com/x`)

	links := extractTextLinks(body)

	assert.Equal(t, []string{
		"https://example.com/terms",
		"https://example.com/contact?ref=ocr",
	}, links)
}

func TestFilterLinks(t *testing.T) {
	in := []string{
		"https://example.com/a",
		"https://example.com/a",
		"https://example.com/file.pdf",
		"https://example.com/style.css",
		"ftp://example.com/b",
		"not a url",
		"https://example.com/b",
	}

	out := filterLinks(in)

	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, out)
}

func newTestPool(t *testing.T) (*Pool, *memory.Backend, *blobstore.MemoryStore, *metrics.ParseMetrics) {
	t.Helper()

	qb := memory.New()
	bs := blobstore.NewMemoryStore()
	m := metrics.NewParseMetrics()
	p := New(Config{NumWorkers: 1}, qb, bs, m, logger.NewNoop())

	return p, qb, bs, m
}

func storeBody(t *testing.T, bs *blobstore.MemoryStore, rawURL, contentType string, body []byte) *domain.ParseTask {
	t.Helper()

	raw := &blobstore.RawRecord{
		RawID:       blobstore.NewRawID(),
		URL:         rawURL,
		FinalURL:    rawURL,
		Domain:      "example.com",
		JobID:       "job-1",
		StatusCode:  200,
		ContentType: contentType,
		Body:        body,
	}

	location, err := bs.Put(context.Background(), raw)
	require.NoError(t, err)

	u, err := domain.NewFrontierURL(rawURL, "job-1", 5)
	require.NoError(t, err)

	u.LinkDepth = 2

	return domain.NewParseTask(u, raw.RawID, location, contentType)
}

func TestProcessExtractsAndEnqueues(t *testing.T) {
	p, qb, bs, m := newTestPool(t)
	ctx := context.Background()

	task := storeBody(t, bs, "https://example.com/start", "text/html", []byte(fixtureHTML))

	require.NoError(t, p.process(ctx, task))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.TasksParsed)
	assert.Equal(t, snap.LinksExtracted, snap.LinksEnqueued)
	assert.Positive(t, snap.LinksEnqueued)

	first, err := qb.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	assert.Equal(t, "https://example.com/start", first.SourceURL)
	assert.Equal(t, 3, first.LinkDepth)
	assert.Equal(t, 4, first.Priority)
	assert.Equal(t, "job-1", first.JobID)
	assert.Contains(t, first.Tags(), "link_depth:3")
	assert.Contains(t, first.Tags(), "discovered_from:https://example.com/start")
}

func TestProcessMergesRenderedLinks(t *testing.T) {
	p, qb, bs, _ := newTestPool(t)
	ctx := context.Background()

	// The serialized HTML only shows the static anchor; the renderer saw an
	// extra script-injected link in the live DOM.
	task := storeBody(t, bs, "https://example.com/app", "text/html",
		[]byte(`<html><body><div id="app"></div><a href="/static">static</a></body></html>`))
	task.Metadata[domain.MetaRenderedLinks] = []string{
		"https://example.com/static",
		"https://example.com/dynamic",
	}

	require.NoError(t, p.process(ctx, task))

	var urls []string

	for {
		got, err := qb.DequeueFrontier(ctx)
		require.NoError(t, err)

		if got == nil {
			break
		}

		urls = append(urls, got.URL)
	}

	// The overlapping link is deduplicated, the injected one survives.
	assert.ElementsMatch(t, []string{
		"https://example.com/static",
		"https://example.com/dynamic",
	}, urls)
}

func TestProcessPriorityFloor(t *testing.T) {
	p, qb, bs, _ := newTestPool(t)
	ctx := context.Background()

	task := storeBody(t, bs, "https://example.com/start", "text/html",
		[]byte(`<html><body><a href="/next">next</a></body></html>`))
	task.Priority = 1

	require.NoError(t, p.process(ctx, task))

	got, err := qb.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.MinPriority, got.Priority)
}

func TestProcessOCRPath(t *testing.T) {
	p, qb, bs, m := newTestPool(t)
	ctx := context.Background()

	body := []byte("Scanned page. See https://example.com/appendix for more.")
	task := storeBody(t, bs, "https://example.com/doc", "application/pdf", body)

	require.True(t, task.RequiresOCR)
	require.NoError(t, p.process(ctx, task))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.OCRTasksHandled)
	assert.Equal(t, int64(1), snap.LinksEnqueued)

	got, err := qb.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/appendix", got.URL)
}

func TestProcessMissingBodyFails(t *testing.T) {
	p, _, bs, _ := newTestPool(t)
	ctx := context.Background()

	task := storeBody(t, bs, "https://example.com/start", "text/html", []byte("<html></html>"))
	task.StorageLocation = "example.com/job-1/missing.html"

	err := p.process(ctx, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFailReenqueuesUntilBudgetExhausted(t *testing.T) {
	p, qb, bs, m := newTestPool(t)
	ctx := context.Background()

	task := storeBody(t, bs, "https://example.com/start", "text/html", []byte("<html></html>"))
	task.MaxRetries = 2
	task.StorageLocation = "gone"

	err := p.process(ctx, task)
	require.Error(t, err)

	p.fail(ctx, task, err)
	p.fail(ctx, task, err)

	// Two failures within budget: the task is back on the parse queue.
	for j := 0; j < 2; j++ {
		requeued, deqErr := qb.DequeueParse(ctx)
		require.NoError(t, deqErr)
		require.NotNil(t, requeued)
	}

	p.fail(ctx, task, err)

	requeued, deqErr := qb.DequeueParse(ctx)
	require.NoError(t, deqErr)
	assert.Nil(t, requeued)

	dead, deadErr := qb.DeadLetters(ctx, 0)
	require.NoError(t, deadErr)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "parse failed")

	assert.Equal(t, int64(3), m.Snapshot().TasksFailed)
}

// gatedStore blocks Get until released, so tests can observe how many parse
// tasks are in flight at once.
type gatedStore struct {
	*blobstore.MemoryStore

	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, location string) (*blobstore.RawRecord, error) {
	g.entered <- struct{}{}
	<-g.release

	return g.MemoryStore.Get(ctx, location)
}

func TestPollRunsTasksConcurrently(t *testing.T) {
	qb := memory.New()
	gs := &gatedStore{
		MemoryStore: blobstore.NewMemoryStore(),
		entered:     make(chan struct{}, 2),
		release:     make(chan struct{}),
	}
	m := metrics.NewParseMetrics()
	p := New(
		Config{NumWorkers: 1, MaxConcurrent: 2, PollInterval: 10 * time.Millisecond},
		qb, gs, m, logger.NewNoop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, path := range []string{"/one", "/two"} {
		task := storeBody(t, gs.MemoryStore, "https://example.com"+path, "text/html",
			[]byte(`<html><body><a href="/next">next</a></body></html>`))
		require.NoError(t, qb.EnqueueParse(ctx, task))
	}

	done := make(chan struct{})

	go func() {
		p.Start(ctx)
		close(done)
	}()

	// A single poll loop has both tasks in flight before either finishes.
	for j := 0; j < 2; j++ {
		select {
		case <-gs.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("parse task did not start")
		}
	}

	close(gs.release)

	require.Eventually(t, func() bool {
		return m.Snapshot().TasksParsed == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}

func TestProcessPageWithoutLinks(t *testing.T) {
	p, qb, bs, m := newTestPool(t)
	ctx := context.Background()

	task := storeBody(t, bs, "https://example.com/leaf", "text/html",
		[]byte(`<html><body><p>terminal page</p></body></html>`))

	require.NoError(t, p.process(ctx, task))

	got, err := qb.DequeueFrontier(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.TasksParsed)
	assert.Zero(t, snap.LinksEnqueued)
}
