package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/domain"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { client.Close() })

	return NewFromClient(client, "test")
}

func frontierURL(t *testing.T, rawURL string, priority int) *domain.FrontierURL {
	t.Helper()

	u, err := domain.NewFrontierURL(rawURL, "job-1", priority)
	require.NoError(t, err)

	return u
}

func TestFrontierRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	u := frontierURL(t, "https://example.com/page", 5)
	u.AddTags("seed_url")

	require.NoError(t, b.EnqueueFrontier(ctx, u))

	got, err := b.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, u.URL, got.URL)
	assert.Equal(t, u.JobID, got.JobID)
	assert.Equal(t, []string{"seed_url"}, got.Tags())
}

func TestFrontierPriorityLaneDrainedFirst(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/normal", 5)))
	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/urgent", 9)))

	got, err := b.DequeueFrontier(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/urgent", got.URL)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	b := newTestBackend(t)

	got, err := b.DequeueFrontier(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)

	task, err := b.DequeueParse(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestProcessRetryPromotesDueEntries(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	b.now = func() time.Time { return current }

	require.NoError(t, b.EnqueueRetry(ctx, frontierURL(t, "https://example.com/soon", 5), time.Minute))
	require.NoError(t, b.EnqueueRetry(ctx, frontierURL(t, "https://example.com/later", 5), 5*time.Minute))

	moved, err := b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	current = base.Add(2 * time.Minute)

	moved, err = b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := b.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/soon", got.URL)

	moved, err = b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestDeadLettersLimit(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnqueueDead(ctx, frontierURL(t, "https://example.com/1", 5), "http status 404"))
	require.NoError(t, b.EnqueueDead(ctx, frontierURL(t, "https://example.com/2", 5), "http status 410"))
	require.NoError(t, b.EnqueueDead(ctx, frontierURL(t, "https://example.com/3", 5), "http status 404"))

	entries, err := b.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "https://example.com/1", entries[0].URL.URL)

	all, err := b.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStatsDepths(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/a", 5)))
	require.NoError(t, b.EnqueueRetry(ctx, frontierURL(t, "https://example.com/r", 5), time.Minute))
	require.NoError(t, b.EnqueueDead(ctx, frontierURL(t, "https://example.com/d", 5), "gone"))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, "redis", stats.Backend)
	assert.Equal(t, int64(1), stats.Depths[broker.QueueFrontierNormal])
	assert.Equal(t, int64(1), stats.Depths[broker.QueueRetry])
	assert.Equal(t, int64(1), stats.Depths[broker.QueueDead])
}
