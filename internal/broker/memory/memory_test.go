package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/domain"
)

func frontierURL(t *testing.T, rawURL string, priority int) *domain.FrontierURL {
	t.Helper()

	u, err := domain.NewFrontierURL(rawURL, "job-1", priority)
	require.NoError(t, err)

	return u
}

func TestDequeueFrontierPrefersPriorityLane(t *testing.T) {
	b := New()
	ctx := context.Background()

	for j := 0; j < 10; j++ {
		require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/normal", 5)))
	}

	urgent := frontierURL(t, "https://example.com/urgent", 9)
	require.NoError(t, b.EnqueueFrontier(ctx, urgent))

	got, err := b.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/urgent", got.URL)
}

func TestDequeueFrontierEmptyReturnsNil(t *testing.T) {
	b := New()

	got, err := b.DequeueFrontier(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeueFrontierPreservesOrderWithinLane(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/1", 5)))
	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/2", 5)))

	first, err := b.DequeueFrontier(ctx)
	require.NoError(t, err)
	second, err := b.DequeueFrontier(ctx)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/1", first.URL)
	assert.Equal(t, "https://example.com/2", second.URL)
}

func TestParseQueuePriorityRouting(t *testing.T) {
	b := New()
	ctx := context.Background()

	normal := domain.NewParseTask(frontierURL(t, "https://example.com/n", 5), "r1", "l1", "text/html")
	urgent := domain.NewParseTask(frontierURL(t, "https://example.com/p", 9), "r2", "l2", "text/html")

	require.NoError(t, b.EnqueueParse(ctx, normal))
	require.NoError(t, b.EnqueueParse(ctx, urgent))

	got, err := b.DequeueParse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RawID)
}

func TestProcessRetryPromotesOnlyDueEntries(t *testing.T) {
	b := New()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	b.now = func() time.Time { return current }

	require.NoError(t, b.EnqueueRetry(ctx, frontierURL(t, "https://example.com/soon", 5), 60*time.Second))
	require.NoError(t, b.EnqueueRetry(ctx, frontierURL(t, "https://example.com/later", 5), 300*time.Second))

	moved, err := b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	current = base.Add(61 * time.Second)

	moved, err = b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := b.DequeueFrontier(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/soon", got.URL)

	// Idempotent: nothing else is due yet.
	moved, err = b.ProcessRetry(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestEnqueueDeadAndList(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.EnqueueDead(ctx, frontierURL(t, "https://example.com/dead", 5), "Max retries exceeded: http status 503"))

	entries, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Reason, "Max retries exceeded")
	assert.False(t, entries[0].DiedAt.IsZero())
}

func TestStatsReportsDepthsAndCounters(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/a", 5)))
	require.NoError(t, b.EnqueueFrontier(ctx, frontierURL(t, "https://example.com/b", 9)))
	require.NoError(t, b.EnqueueRetry(ctx, frontierURL(t, "https://example.com/r", 5), time.Minute))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, int64(1), stats.Depths[broker.QueueFrontierNormal])
	assert.Equal(t, int64(1), stats.Depths[broker.QueueFrontierPriority])
	assert.Equal(t, int64(1), stats.Depths[broker.QueueRetry])
	assert.Equal(t, int64(2), stats.Enqueued)
	assert.Equal(t, int64(1), stats.RetriesScheduled)
}
