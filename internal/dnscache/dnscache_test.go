package dnscache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCachesResults(t *testing.T) {
	calls := 0
	c := NewWithLookup(time.Minute, func(_ context.Context, host string) ([]string, error) {
		calls++
		return []string{"93.184.216.34"}, nil
	})

	addrs, err := c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"93.184.216.34"}, addrs)

	_, err = c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	hits, misses, lookups, size := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, int64(1), lookups)
	assert.Equal(t, 1, size)
}

func TestResolveExpiredEntryRefetches(t *testing.T) {
	calls := 0
	c := NewWithLookup(time.Minute, func(_ context.Context, _ string) ([]string, error) {
		calls++
		return []string{"10.0.0.1"}, nil
	})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	_, err := c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)

	current = base.Add(2 * time.Minute)

	_, err = c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestResolveFailureNotCached(t *testing.T) {
	calls := 0
	c := NewWithLookup(time.Minute, func(_ context.Context, _ string) ([]string, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("temporary failure")
		}

		return []string{"10.0.0.2"}, nil
	})

	_, err := c.Resolve(context.Background(), "flaky.example.com")
	assert.Error(t, err)

	addrs, err := c.Resolve(context.Background(), "flaky.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2"}, addrs)
	assert.Equal(t, 2, calls)
}

func TestClearExpired(t *testing.T) {
	c := NewWithLookup(time.Minute, func(_ context.Context, _ string) ([]string, error) {
		return []string{"10.0.0.3"}, nil
	})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	_, err := c.Resolve(context.Background(), "a.example.com")
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), "b.example.com")
	require.NoError(t, err)

	assert.Zero(t, c.ClearExpired())

	current = base.Add(2 * time.Minute)

	assert.Equal(t, 2, c.ClearExpired())

	_, _, _, size := c.Stats()
	assert.Zero(t, size)
}

func TestZeroTTLFallsBackToDefault(t *testing.T) {
	c := NewWithLookup(0, func(_ context.Context, _ string) ([]string, error) {
		return []string{"10.0.0.4"}, nil
	})

	assert.Equal(t, DefaultTTL, c.ttl)
}
