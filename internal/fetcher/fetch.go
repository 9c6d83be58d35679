// Package fetcher implements the crawl worker pool: it consumes frontier
// URLs, fetches them over HTTP or through the headless renderer, persists
// raw bodies, updates crawl records, and emits parse tasks.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTP timeouts per request stage.
const (
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
	totalTimeout   = 60 * time.Second
)

// Backoff parameters: delay = min(maxBackoff, baseBackoff * 2^retry_count).
const (
	baseBackoff = 60 * time.Second
	maxBackoff  = 300 * time.Second
)

// readChunkSize is the streaming read granularity for response bodies.
const readChunkSize = 8 * 1024

// failureKind classifies a fetch failure; the retry/dead decision is a pure
// function of (kind, retry_count).
type failureKind int

const (
	failTransient failureKind = iota
	failPermanent
	failRateLimited
	failOversize
	failCancelled
)

// fetchFailure carries a classified fetch error plus an optional server-
// requested retry floor.
type fetchFailure struct {
	kind       failureKind
	err        error
	retryAfter time.Duration
}

func (f *fetchFailure) Error() string { return f.err.Error() }

func transient(err error) *fetchFailure   { return &fetchFailure{kind: failTransient, err: err} }
func permanent(err error) *fetchFailure   { return &fetchFailure{kind: failPermanent, err: err} }
func oversize(err error) *fetchFailure    { return &fetchFailure{kind: failOversize, err: err} }
func cancelled(err error) *fetchFailure   { return &fetchFailure{kind: failCancelled, err: err} }
func rateLimited(err error, retryAfter time.Duration) *fetchFailure {
	return &fetchFailure{kind: failRateLimited, err: err, retryAfter: retryAfter}
}

// classifyStatus maps an HTTP status to a failure, or nil for success and
// handled statuses.
func classifyStatus(code int) *fetchFailure {
	switch {
	case code == http.StatusTooManyRequests:
		return rateLimited(fmt.Errorf("http status %d", code), 0)
	case code >= 500:
		return transient(fmt.Errorf("http status %d", code))
	case code >= 400:
		return permanent(fmt.Errorf("http status %d", code))
	default:
		return nil
	}
}

// backoffDelay computes the retry delay for a failure. A server-requested
// Retry-After acts as a floor under the exponential schedule.
func backoffDelay(retryCount int, retryAfter time.Duration) time.Duration {
	delay := baseBackoff * (1 << retryCount)
	if delay > maxBackoff {
		delay = maxBackoff
	}

	if retryAfter > delay {
		delay = retryAfter
	}

	return delay
}

// parseRetryAfter reads a Retry-After header value in seconds. HTTP-date
// values are ignored.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

// dynamicKeywords are body markers suggesting frequently changing content.
var dynamicKeywords = []string{
	"csrf", "nonce", "timestamp", "session",
	"real-time", "live", "updated", "current", "now",
}

// detectDynamic reports whether the response looks dynamically generated:
// either the server forbids caching, or the body carries at least two
// distinct dynamic-content markers.
func detectDynamic(cacheControl string, body []byte) bool {
	cc := strings.ToLower(cacheControl)
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "max-age=0") {
		return true
	}

	lower := strings.ToLower(string(body))
	hits := 0

	for _, kw := range dynamicKeywords {
		if strings.Contains(lower, kw) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}

	return false
}

// Resolver resolves hostnames, typically backed by the DNS cache.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]string, error)
}

// newHTTPClient builds the crawl HTTP client. Connections resolve hostnames
// through the DNS cache and dial the first returned address.
func newHTTPClient(resolver Resolver) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}

			addrs, err := resolver.Resolve(ctx, host)
			if err != nil || len(addrs) == 0 {
				if err == nil {
					err = fmt.Errorf("no addresses for %s", host)
				}

				return nil, err
			}

			return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0], port))
		},
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   4,
	}

	return &http.Client{Timeout: totalTimeout, Transport: transport}
}

// readBody streams the response body in fixed-size chunks up to maxSize
// bytes. A body exactly maxSize long is accepted; one more byte is an
// oversize failure.
func readBody(r io.Reader, maxSize int64) ([]byte, *fetchFailure) {
	body := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	var total int64

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > maxSize {
				return nil, oversize(fmt.Errorf("body exceeds max content size %d", maxSize))
			}

			body = append(body, chunk[:n]...)
		}

		if errors.Is(err, io.EOF) {
			return body, nil
		}

		if err != nil {
			return nil, transient(fmt.Errorf("read response body: %w", err))
		}
	}
}

// isDNSNotFound reports whether err is a definitive name-resolution miss.
func isDNSNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
