// Package redisq provides a Redis-backed queue backend using lists for the
// frontier, parse, and dead-letter queues and a sorted set keyed by
// retry_after epoch seconds for the retry queue.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/domain"
)

const (
	// defaultConnectionTimeout bounds the initial ping.
	defaultConnectionTimeout = 2 * time.Second

	// defaultPrefix namespaces all queue keys.
	defaultPrefix = "bicrawl"
)

// Config holds connection settings for the redis backend.
type Config struct {
	Addr     string
	Password string `json:"-"`
	DB       int
	Prefix   string
}

// Backend implements broker.Broker on Redis lists and sorted sets.
type Backend struct {
	client   *redis.Client
	prefix   string
	counters broker.Counters
	now      func() time.Time
}

// New connects to Redis and returns a backend.
func New(cfg Config) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Backend{client: client, prefix: prefix, now: time.Now}, nil
}

// NewFromClient wraps an existing Redis client. Used in tests.
func NewFromClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Backend{client: client, prefix: prefix, now: time.Now}
}

func (b *Backend) key(queue string) string {
	return b.prefix + ":" + queue
}

// EnqueueFrontier pushes u onto the priority or normal list.
func (b *Backend) EnqueueFrontier(ctx context.Context, u *domain.FrontierURL) error {
	data, err := broker.EncodeFrontierURL(u)
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	queue := broker.QueueFrontierNormal
	if u.IsPriority() {
		queue = broker.QueueFrontierPriority
	}

	if err := b.client.RPush(ctx, b.key(queue), data).Err(); err != nil {
		b.counters.EnqueueError()
		return fmt.Errorf("enqueue frontier: %w", err)
	}

	b.counters.Enqueued()

	return nil
}

// DequeueFrontier pops from the priority list first, then the normal list.
func (b *Backend) DequeueFrontier(ctx context.Context) (*domain.FrontierURL, error) {
	data, err := b.popFirst(ctx, broker.QueueFrontierPriority, broker.QueueFrontierNormal)
	if err != nil || data == nil {
		return nil, err
	}

	u, err := broker.DecodeFrontierURL(data)
	if err != nil {
		return nil, err
	}

	b.counters.Dequeued()

	return u, nil
}

// EnqueueParse pushes t onto the priority or normal list.
func (b *Backend) EnqueueParse(ctx context.Context, t *domain.ParseTask) error {
	data, err := broker.EncodeParseTask(t)
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	queue := broker.QueueParseNormal
	if t.IsPriority() {
		queue = broker.QueueParsePriority
	}

	if err := b.client.RPush(ctx, b.key(queue), data).Err(); err != nil {
		b.counters.EnqueueError()
		return fmt.Errorf("enqueue parse: %w", err)
	}

	b.counters.Enqueued()

	return nil
}

// DequeueParse pops from the priority list first, then the normal list.
func (b *Backend) DequeueParse(ctx context.Context) (*domain.ParseTask, error) {
	data, err := b.popFirst(ctx, broker.QueueParsePriority, broker.QueueParseNormal)
	if err != nil || data == nil {
		return nil, err
	}

	t, err := broker.DecodeParseTask(data)
	if err != nil {
		return nil, err
	}

	b.counters.Dequeued()

	return t, nil
}

// popFirst LPOPs the first non-empty queue of the given names.
func (b *Backend) popFirst(ctx context.Context, queues ...string) ([]byte, error) {
	for _, queue := range queues {
		data, err := b.client.LPop(ctx, b.key(queue)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", queue, err)
		}

		return data, nil
	}

	return nil, nil
}

// EnqueueRetry adds u to the retry sorted set scored by retry_after.
func (b *Backend) EnqueueRetry(ctx context.Context, u *domain.FrontierURL, delay time.Duration) error {
	retryAfter := b.now().Add(delay)

	data, err := broker.EncodeRetryEntry(&domain.RetryEntry{URL: u, RetryAfter: retryAfter})
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	member := redis.Z{
		Score:  float64(retryAfter.Unix()),
		Member: string(data),
	}

	if err := b.client.ZAdd(ctx, b.key(broker.QueueRetry), member).Err(); err != nil {
		b.counters.EnqueueError()
		return fmt.Errorf("enqueue retry: %w", err)
	}

	b.counters.RetryScheduled()

	return nil
}

// EnqueueDead appends u to the dead-letter list.
func (b *Backend) EnqueueDead(ctx context.Context, u *domain.FrontierURL, reason string) error {
	data, err := broker.EncodeDeadLetterEntry(&domain.DeadLetterEntry{
		URL:    u,
		DiedAt: b.now().UTC(),
		Reason: reason,
	})
	if err != nil {
		b.counters.EnqueueError()
		return err
	}

	if err := b.client.RPush(ctx, b.key(broker.QueueDead), data).Err(); err != nil {
		b.counters.EnqueueError()
		return fmt.Errorf("enqueue dead: %w", err)
	}

	b.counters.DeadLettered()

	return nil
}

// ProcessRetry scans the sorted set for entries with score <= now and moves
// each back onto the frontier. ZREM's removed-count is the claim: an entry
// is promoted only by the caller that removed it, so concurrent calls never
// double-promote.
func (b *Backend) ProcessRetry(ctx context.Context) (int, error) {
	now := strconv.FormatInt(b.now().Unix(), 10)

	members, err := b.client.ZRangeByScore(ctx, b.key(broker.QueueRetry), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan retry set: %w", err)
	}

	moved := 0

	for _, member := range members {
		removed, remErr := b.client.ZRem(ctx, b.key(broker.QueueRetry), member).Result()
		if remErr != nil {
			return moved, fmt.Errorf("claim retry entry: %w", remErr)
		}

		if removed == 0 {
			// Another caller claimed this entry.
			continue
		}

		entry, decErr := broker.DecodeRetryEntry([]byte(member))
		if decErr != nil {
			// Malformed entry is dropped; nothing to promote.
			continue
		}

		if enqErr := b.EnqueueFrontier(ctx, entry.URL); enqErr != nil {
			return moved, enqErr
		}

		moved++
	}

	b.counters.RetriesPromoted(moved)

	return moved, nil
}

// Stats reports queue depths via LLEN/ZCARD plus local counters.
func (b *Backend) Stats(ctx context.Context) (*broker.Stats, error) {
	depths := map[string]int64{}

	for _, queue := range []string{
		broker.QueueFrontierNormal,
		broker.QueueFrontierPriority,
		broker.QueueParseNormal,
		broker.QueueParsePriority,
		broker.QueueDead,
	} {
		depth, err := b.client.LLen(ctx, b.key(queue)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue depth %s: %w", queue, err)
		}

		depths[queue] = depth
	}

	retryDepth, err := b.client.ZCard(ctx, b.key(broker.QueueRetry)).Result()
	if err != nil {
		return nil, fmt.Errorf("retry depth: %w", err)
	}

	depths[broker.QueueRetry] = retryDepth

	stats := &broker.Stats{Backend: "redis", Depths: depths}
	b.counters.Fill(stats)

	return stats, nil
}

// DeadLetters returns up to limit dead-letter entries, oldest first.
func (b *Backend) DeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetterEntry, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}

	items, err := b.client.LRange(ctx, b.key(broker.QueueDead), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	entries := make([]*domain.DeadLetterEntry, 0, len(items))

	for _, item := range items {
		entry, decErr := broker.DecodeDeadLetterEntry([]byte(item))
		if decErr != nil {
			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// Close closes the underlying Redis client.
func (b *Backend) Close() error {
	return b.client.Close()
}
