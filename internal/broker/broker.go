// Package broker defines the queue fabric contract shared by all backends.
//
// A deployment exposes six logical queues: frontier-normal,
// frontier-priority, parse-normal, parse-priority, retry (time-delayed),
// and dead-letter. Priority routing is an enqueue-time decision, not a
// sort: entries with priority >= domain.PriorityLaneThreshold land on the
// priority lane, which every backend drains before the normal lane.
package broker

import (
	"context"
	"time"

	"github.com/jonesrussell/bicrawl/internal/domain"
)

// Queue names used for keys, topics, and stats.
const (
	QueueFrontierNormal   = "frontier:normal"
	QueueFrontierPriority = "frontier:priority"
	QueueParseNormal      = "parse:normal"
	QueueParsePriority    = "parse:priority"
	QueueRetry            = "retry"
	QueueDead             = "dead"
)

// Broker is the queue fabric consumed by the crawl and parse workers.
//
// Delivery is at-least-once where the backend supports redelivery; workers
// must tolerate duplicates. Dequeue methods return (nil, nil) when no entry
// is available. Enqueue failures are reported once via the error return and
// counted; callers do not retry in-process.
type Broker interface {
	// EnqueueFrontier routes u to the priority lane iff u.IsPriority().
	EnqueueFrontier(ctx context.Context, u *domain.FrontierURL) error

	// DequeueFrontier drains the priority lane first.
	DequeueFrontier(ctx context.Context) (*domain.FrontierURL, error)

	// EnqueueParse routes t to the priority lane iff t.IsPriority().
	EnqueueParse(ctx context.Context, t *domain.ParseTask) error

	// DequeueParse drains the priority lane first.
	DequeueParse(ctx context.Context) (*domain.ParseTask, error)

	// EnqueueRetry parks u until now+delay.
	EnqueueRetry(ctx context.Context, u *domain.FrontierURL, delay time.Duration) error

	// EnqueueDead appends u to the dead-letter queue. Append-only.
	EnqueueDead(ctx context.Context, u *domain.FrontierURL, reason string) error

	// ProcessRetry promotes every entry with retry_after <= now back onto
	// the frontier and returns the number moved. Safe to call concurrently
	// with retry enqueues; removal and promotion are atomic per entry.
	ProcessRetry(ctx context.Context) (int, error)

	// Stats reports queue depths and operation counters. External backends
	// may approximate.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases backend connections.
	Close() error
}

// DeadLetterLister is implemented by backends whose dead-letter queue can
// be inspected in place.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetterEntry, error)
}

// Stats reports queue depths and cumulative operation counters.
type Stats struct {
	Backend string           `json:"backend"`
	Depths  map[string]int64 `json:"depths"`

	Enqueued         int64 `json:"enqueued"`
	Dequeued         int64 `json:"dequeued"`
	RetriesScheduled int64 `json:"retries_scheduled"`
	RetriesPromoted  int64 `json:"retries_promoted"`
	DeadLettered     int64 `json:"dead_lettered"`
	EnqueueErrors    int64 `json:"enqueue_errors"`
}
