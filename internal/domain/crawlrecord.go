package domain

import (
	"time"

	"github.com/jonesrussell/bicrawl/internal/urlutil"
)

// Recrawl intervals in hours, chosen by content characteristics.
const (
	RecrawlIntervalDynamic = 6
	RecrawlIntervalJS      = 12
	RecrawlIntervalDefault = 24
)

// CrawlRecord status constants.
const (
	CrawlStatusFetched     = "fetched"
	CrawlStatusNotModified = "not_modified"
)

// CrawlRecord holds per-URL fetch metadata. At most one active record
// exists per URL; updates are idempotent under retry.
type CrawlRecord struct {
	URL     string `db:"url"      json:"url"`
	URLHash string `db:"url_hash" json:"url_hash"`
	Domain  string `db:"domain"   json:"domain"`

	FirstCrawledAt time.Time `db:"first_crawled_at" json:"first_crawled_at"`
	LastCrawledAt  time.Time `db:"last_crawled_at"  json:"last_crawled_at"`
	CrawlCount     int       `db:"crawl_count"      json:"crawl_count"`

	Status         string `db:"status"           json:"status"`
	LastStatusCode int    `db:"last_status_code" json:"last_status_code"`

	RecrawlIntervalHours int       `db:"recrawl_interval_hours" json:"recrawl_interval_hours"`
	NextCrawlAt          time.Time `db:"next_crawl_at"          json:"next_crawl_at"`

	ContentSize int64 `db:"content_size" json:"content_size"`
	RequiresJS  bool  `db:"requires_js"  json:"requires_js"`
	IsDynamic   bool  `db:"is_dynamic"   json:"is_dynamic"`
	LinkDepth   int   `db:"link_depth"   json:"link_depth"`

	LastModified *string `db:"last_modified" json:"last_modified,omitempty"`
	ETag         *string `db:"etag"          json:"etag,omitempty"`

	Metadata map[string]any `db:"-" json:"metadata,omitempty"`
}

// NewCrawlRecord creates a record for a URL's first successful fetch.
func NewCrawlRecord(rawURL string) *CrawlRecord {
	host, _ := urlutil.Host(rawURL)
	now := time.Now().UTC()

	return &CrawlRecord{
		URL:                  rawURL,
		URLHash:              urlutil.Hash(rawURL),
		Domain:               host,
		FirstCrawledAt:       now,
		RecrawlIntervalHours: RecrawlIntervalDefault,
	}
}

// RecrawlInterval selects the recrawl interval in hours for a fetch outcome.
func RecrawlInterval(isDynamic, renderedWithJS bool) int {
	switch {
	case isDynamic:
		return RecrawlIntervalDynamic
	case renderedWithJS:
		return RecrawlIntervalJS
	default:
		return RecrawlIntervalDefault
	}
}

// Touch records a successful fetch: bumps the crawl count, stores the
// outcome, and recomputes NextCrawlAt from the chosen interval.
func (r *CrawlRecord) Touch(statusCode int, contentSize int64, renderedWithJS, isDynamic bool) {
	now := time.Now().UTC()

	r.LastCrawledAt = now
	r.CrawlCount++
	r.Status = CrawlStatusFetched
	r.LastStatusCode = statusCode
	r.ContentSize = contentSize
	r.RequiresJS = renderedWithJS
	r.IsDynamic = isDynamic
	r.RecrawlIntervalHours = RecrawlInterval(isDynamic, renderedWithJS)
	r.NextCrawlAt = now.Add(time.Duration(r.RecrawlIntervalHours) * time.Hour)
}

// TouchNotModified records a 304 response: only the fetch timestamps move.
func (r *CrawlRecord) TouchNotModified() {
	now := time.Now().UTC()

	r.LastCrawledAt = now
	r.CrawlCount++
	r.Status = CrawlStatusNotModified
	r.NextCrawlAt = now.Add(time.Duration(r.RecrawlIntervalHours) * time.Hour)
}

// DueForRecrawl reports whether the URL may be fetched again.
func (r *CrawlRecord) DueForRecrawl(now time.Time) bool {
	return !r.NextCrawlAt.After(now)
}
