// Package ratelimit throttles outbound requests with token buckets, either
// one shared bucket or one bucket per domain, plus a small random jitter to
// avoid synchronized request bursts.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls bucket shape and jitter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	PerDomain         bool
	// MaxJitter is the upper bound of the random sleep added after each
	// successful wait. Zero disables jitter.
	MaxJitter time.Duration
}

// Limiter gates requests by domain.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	shared  *rate.Limiter
	buckets map[string]*rate.Limiter

	// sleep is injectable for tests.
	sleep func(time.Duration)
}

// New creates a limiter. A non-positive rate disables limiting entirely.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	l := &Limiter{cfg: cfg, sleep: time.Sleep}

	if cfg.PerDomain {
		l.buckets = map[string]*rate.Limiter{}
	} else if cfg.RequestsPerSecond > 0 {
		l.shared = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}

	return l
}

// bucket returns the limiter for domain, creating it on first use.
func (l *Limiter) bucket(domain string) *rate.Limiter {
	if !l.cfg.PerDomain {
		return l.shared
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[domain]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
		l.buckets[domain] = b
	}

	return b
}

// Wait blocks until a token is available for domain, then sleeps a random
// jitter. Returns early with ctx's error if the context is done.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	if l.cfg.RequestsPerSecond <= 0 {
		return nil
	}

	if err := l.bucket(domain).Wait(ctx); err != nil {
		return err
	}

	if l.cfg.MaxJitter > 0 {
		l.sleep(time.Duration(rand.Int63n(int64(l.cfg.MaxJitter))))
	}

	return nil
}

// Domains reports how many per-domain buckets exist.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets)
}
