// Package memory provides an in-process queue backend with no persistence.
// Within a single lane, enqueue order is preserved.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/domain"
)

// Backend implements broker.Broker with mutex-guarded in-memory queues.
type Backend struct {
	mu sync.Mutex

	frontierPriority []*domain.FrontierURL
	frontierNormal   []*domain.FrontierURL
	parsePriority    []*domain.ParseTask
	parseNormal      []*domain.ParseTask

	// retry is kept sorted by RetryAfter ascending.
	retry []*domain.RetryEntry
	dead  []*domain.DeadLetterEntry

	counters broker.Counters

	// now is injectable for tests.
	now func() time.Time
}

// New creates an in-process backend.
func New() *Backend {
	return &Backend{now: time.Now}
}

// EnqueueFrontier routes u to the priority lane iff its priority qualifies.
func (b *Backend) EnqueueFrontier(_ context.Context, u *domain.FrontierURL) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.IsPriority() {
		b.frontierPriority = append(b.frontierPriority, u)
	} else {
		b.frontierNormal = append(b.frontierNormal, u)
	}

	b.counters.Enqueued()

	return nil
}

// DequeueFrontier drains the priority lane before the normal lane.
func (b *Backend) DequeueFrontier(_ context.Context) (*domain.FrontierURL, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frontierPriority) > 0 {
		u := b.frontierPriority[0]
		b.frontierPriority = b.frontierPriority[1:]
		b.counters.Dequeued()

		return u, nil
	}

	if len(b.frontierNormal) > 0 {
		u := b.frontierNormal[0]
		b.frontierNormal = b.frontierNormal[1:]
		b.counters.Dequeued()

		return u, nil
	}

	return nil, nil
}

// EnqueueParse routes t to the priority lane iff its priority qualifies.
func (b *Backend) EnqueueParse(_ context.Context, t *domain.ParseTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.IsPriority() {
		b.parsePriority = append(b.parsePriority, t)
	} else {
		b.parseNormal = append(b.parseNormal, t)
	}

	b.counters.Enqueued()

	return nil
}

// DequeueParse drains the priority lane before the normal lane.
func (b *Backend) DequeueParse(_ context.Context) (*domain.ParseTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.parsePriority) > 0 {
		t := b.parsePriority[0]
		b.parsePriority = b.parsePriority[1:]
		b.counters.Dequeued()

		return t, nil
	}

	if len(b.parseNormal) > 0 {
		t := b.parseNormal[0]
		b.parseNormal = b.parseNormal[1:]
		b.counters.Dequeued()

		return t, nil
	}

	return nil, nil
}

// EnqueueRetry parks u until now+delay, keeping the list time-sorted.
func (b *Backend) EnqueueRetry(_ context.Context, u *domain.FrontierURL, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := &domain.RetryEntry{URL: u, RetryAfter: b.now().Add(delay)}

	idx := sort.Search(len(b.retry), func(i int) bool {
		return b.retry[i].RetryAfter.After(entry.RetryAfter)
	})

	b.retry = append(b.retry, nil)
	copy(b.retry[idx+1:], b.retry[idx:])
	b.retry[idx] = entry

	b.counters.RetryScheduled()

	return nil
}

// EnqueueDead appends u to the dead list.
func (b *Backend) EnqueueDead(_ context.Context, u *domain.FrontierURL, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dead = append(b.dead, &domain.DeadLetterEntry{
		URL:    u,
		DiedAt: b.now().UTC(),
		Reason: reason,
	})

	b.counters.DeadLettered()

	return nil
}

// ProcessRetry promotes every entry whose delay has elapsed back onto the
// frontier, preserving retry order.
func (b *Backend) ProcessRetry(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	moved := 0

	for len(b.retry) > 0 && !b.retry[0].RetryAfter.After(now) {
		entry := b.retry[0]
		b.retry = b.retry[1:]

		if entry.URL.IsPriority() {
			b.frontierPriority = append(b.frontierPriority, entry.URL)
		} else {
			b.frontierNormal = append(b.frontierNormal, entry.URL)
		}

		moved++
	}

	b.counters.RetriesPromoted(moved)

	return moved, nil
}

// Stats reports exact queue depths and counters.
func (b *Backend) Stats(_ context.Context) (*broker.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := &broker.Stats{
		Backend: "memory",
		Depths: map[string]int64{
			broker.QueueFrontierNormal:   int64(len(b.frontierNormal)),
			broker.QueueFrontierPriority: int64(len(b.frontierPriority)),
			broker.QueueParseNormal:      int64(len(b.parseNormal)),
			broker.QueueParsePriority:    int64(len(b.parsePriority)),
			broker.QueueRetry:            int64(len(b.retry)),
			broker.QueueDead:             int64(len(b.dead)),
		},
	}

	b.counters.Fill(stats)

	return stats, nil
}

// DeadLetters returns up to limit dead-letter entries, oldest first.
func (b *Backend) DeadLetters(_ context.Context, limit int) ([]*domain.DeadLetterEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > len(b.dead) {
		limit = len(b.dead)
	}

	out := make([]*domain.DeadLetterEntry, limit)
	copy(out, b.dead[:limit])

	return out, nil
}

// Close is a no-op for the in-process backend.
func (b *Backend) Close() error { return nil }
