package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bridges the worker counters into a prometheus registry.
type Collector struct {
	crawl *CrawlMetrics
	parse *ParseMetrics

	urlsCrawled     *prometheus.Desc
	urlsFailed      *prometheus.Desc
	conditionalReqs *prometheus.Desc
	notModified     *prometheus.Desc
	largeSkipped    *prometheus.Desc
	jsRendered      *prometheus.Desc
	bytesDownloaded *prometheus.Desc
	tasksParsed     *prometheus.Desc
	tasksFailed     *prometheus.Desc
	linksEnqueued   *prometheus.Desc
}

// NewCollector creates a prometheus collector over the given counters.
func NewCollector(crawl *CrawlMetrics, parse *ParseMetrics) *Collector {
	return &Collector{
		crawl: crawl,
		parse: parse,
		urlsCrawled: prometheus.NewDesc(
			"bicrawl_urls_crawled_total", "URLs fetched successfully.", nil, nil),
		urlsFailed: prometheus.NewDesc(
			"bicrawl_urls_failed_total", "URLs whose fetch failed.", nil, nil),
		conditionalReqs: prometheus.NewDesc(
			"bicrawl_conditional_requests_total", "Requests sent with conditional headers.", nil, nil),
		notModified: prometheus.NewDesc(
			"bicrawl_not_modified_responses_total", "304 responses received.", nil, nil),
		largeSkipped: prometheus.NewDesc(
			"bicrawl_large_pages_skipped_total", "Pages skipped for exceeding the size cap.", nil, nil),
		jsRendered: prometheus.NewDesc(
			"bicrawl_js_rendered_pages_total", "Pages fetched through the headless renderer.", nil, nil),
		bytesDownloaded: prometheus.NewDesc(
			"bicrawl_bytes_downloaded_total", "Raw body bytes downloaded.", nil, nil),
		tasksParsed: prometheus.NewDesc(
			"bicrawl_parse_tasks_total", "Parse tasks completed.", nil, nil),
		tasksFailed: prometheus.NewDesc(
			"bicrawl_parse_tasks_failed_total", "Parse tasks that failed.", nil, nil),
		linksEnqueued: prometheus.NewDesc(
			"bicrawl_links_enqueued_total", "Discovered links enqueued to the frontier.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.urlsCrawled
	ch <- c.urlsFailed
	ch <- c.conditionalReqs
	ch <- c.notModified
	ch <- c.largeSkipped
	ch <- c.jsRendered
	ch <- c.bytesDownloaded
	ch <- c.tasksParsed
	ch <- c.tasksFailed
	ch <- c.linksEnqueued
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	cs := c.crawl.Snapshot()
	ps := c.parse.Snapshot()

	counter := func(desc *prometheus.Desc, v int64) prometheus.Metric {
		return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}

	ch <- counter(c.urlsCrawled, cs.URLsCrawled)
	ch <- counter(c.urlsFailed, cs.URLsFailed)
	ch <- counter(c.conditionalReqs, cs.ConditionalRequests)
	ch <- counter(c.notModified, cs.NotModifiedResponses)
	ch <- counter(c.largeSkipped, cs.LargePagesSkipped)
	ch <- counter(c.jsRendered, cs.JSRenderedPages)
	ch <- counter(c.bytesDownloaded, cs.BytesDownloaded)
	ch <- counter(c.tasksParsed, ps.TasksParsed)
	ch <- counter(c.tasksFailed, ps.TasksFailed)
	ch <- counter(c.linksEnqueued, ps.LinksEnqueued)
}
