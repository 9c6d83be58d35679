// Package metrics provides counters for the crawl and parse workers.
package metrics

import (
	"sync"
	"time"
)

// CrawlMetrics holds counters accumulated by the crawl workers.
type CrawlMetrics struct {
	mu sync.Mutex

	urlsCrawled          int64
	urlsFailed           int64
	conditionalRequests  int64
	notModifiedResponses int64
	largePagesSkipped    int64
	jsRenderedPages      int64
	bytesDownloaded      int64

	totalResponseTime time.Duration
	responseSamples   int64
}

// NewCrawlMetrics creates a zeroed crawl metrics instance.
func NewCrawlMetrics() *CrawlMetrics {
	return &CrawlMetrics{}
}

// RecordCrawled records a successful fetch with its size and duration.
func (m *CrawlMetrics) RecordCrawled(size int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.urlsCrawled++
	m.bytesDownloaded += size
	m.totalResponseTime += elapsed
	m.responseSamples++
}

// RecordFailed increments the failed-URL counter.
func (m *CrawlMetrics) RecordFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urlsFailed++
}

// RecordConditionalRequest increments the conditional-request counter.
func (m *CrawlMetrics) RecordConditionalRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditionalRequests++
}

// RecordNotModified increments the 304 counter.
func (m *CrawlMetrics) RecordNotModified() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notModifiedResponses++
}

// RecordLargeSkipped increments the oversize-page counter.
func (m *CrawlMetrics) RecordLargeSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.largePagesSkipped++
}

// RecordJSRendered increments the headless-render counter.
func (m *CrawlMetrics) RecordJSRendered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jsRenderedPages++
}

// CrawlSnapshot is a point-in-time copy of the crawl counters.
type CrawlSnapshot struct {
	URLsCrawled          int64         `json:"urls_crawled"`
	URLsFailed           int64         `json:"urls_failed"`
	ConditionalRequests  int64         `json:"conditional_requests"`
	NotModifiedResponses int64         `json:"not_modified_responses"`
	LargePagesSkipped    int64         `json:"large_pages_skipped"`
	JSRenderedPages      int64         `json:"js_rendered_pages"`
	BytesDownloaded      int64         `json:"bytes_downloaded"`
	AvgResponseTime      time.Duration `json:"avg_response_time"`
}

// Snapshot returns a copy of the current counters.
func (m *CrawlMetrics) Snapshot() CrawlSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := CrawlSnapshot{
		URLsCrawled:          m.urlsCrawled,
		URLsFailed:           m.urlsFailed,
		ConditionalRequests:  m.conditionalRequests,
		NotModifiedResponses: m.notModifiedResponses,
		LargePagesSkipped:    m.largePagesSkipped,
		JSRenderedPages:      m.jsRenderedPages,
		BytesDownloaded:      m.bytesDownloaded,
	}

	if m.responseSamples > 0 {
		snap.AvgResponseTime = m.totalResponseTime / time.Duration(m.responseSamples)
	}

	return snap
}

// ParseMetrics holds counters accumulated by the parse workers.
type ParseMetrics struct {
	mu sync.Mutex

	tasksParsed     int64
	tasksFailed     int64
	linksExtracted  int64
	linksEnqueued   int64
	ocrTasksHandled int64
}

// NewParseMetrics creates a zeroed parse metrics instance.
func NewParseMetrics() *ParseMetrics {
	return &ParseMetrics{}
}

// RecordParsed records a completed task with link counts.
func (m *ParseMetrics) RecordParsed(extracted, enqueued int, usedOCR bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasksParsed++
	m.linksExtracted += int64(extracted)
	m.linksEnqueued += int64(enqueued)

	if usedOCR {
		m.ocrTasksHandled++
	}
}

// RecordFailed increments the failed-task counter.
func (m *ParseMetrics) RecordFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasksFailed++
}

// ParseSnapshot is a point-in-time copy of the parse counters.
type ParseSnapshot struct {
	TasksParsed     int64 `json:"tasks_parsed"`
	TasksFailed     int64 `json:"tasks_failed"`
	LinksExtracted  int64 `json:"links_extracted"`
	LinksEnqueued   int64 `json:"links_enqueued"`
	OCRTasksHandled int64 `json:"ocr_tasks_handled"`
}

// Snapshot returns a copy of the current counters.
func (m *ParseMetrics) Snapshot() ParseSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ParseSnapshot{
		TasksParsed:     m.tasksParsed,
		TasksFailed:     m.tasksFailed,
		LinksExtracted:  m.linksExtracted,
		LinksEnqueued:   m.linksEnqueued,
		OCRTasksHandled: m.ocrTasksHandled,
	}
}
