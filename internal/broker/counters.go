package broker

import "sync/atomic"

// Counters tracks cumulative broker operations. Shared by all backends.
type Counters struct {
	enqueued         atomic.Int64
	dequeued         atomic.Int64
	retriesScheduled atomic.Int64
	retriesPromoted  atomic.Int64
	deadLettered     atomic.Int64
	enqueueErrors    atomic.Int64
}

// Enqueued records a successful enqueue.
func (c *Counters) Enqueued() { c.enqueued.Add(1) }

// Dequeued records a successful dequeue.
func (c *Counters) Dequeued() { c.dequeued.Add(1) }

// RetryScheduled records an entry parked on the retry queue.
func (c *Counters) RetryScheduled() { c.retriesScheduled.Add(1) }

// RetriesPromoted records n entries promoted back to the frontier.
func (c *Counters) RetriesPromoted(n int) { c.retriesPromoted.Add(int64(n)) }

// DeadLettered records an entry appended to the dead-letter queue.
func (c *Counters) DeadLettered() { c.deadLettered.Add(1) }

// EnqueueError records a failed enqueue.
func (c *Counters) EnqueueError() { c.enqueueErrors.Add(1) }

// Fill copies the counter values into a Stats struct.
func (c *Counters) Fill(s *Stats) {
	s.Enqueued = c.enqueued.Load()
	s.Dequeued = c.dequeued.Load()
	s.RetriesScheduled = c.retriesScheduled.Load()
	s.RetriesPromoted = c.retriesPromoted.Load()
	s.DeadLettered = c.deadLettered.Load()
	s.EnqueueErrors = c.enqueueErrors.Load()
}
