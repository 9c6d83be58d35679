package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitWithinBurstDoesNotBlock(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 3, PerDomain: true})

	start := time.Now()

	for j := 0; j < 3; j++ {
		require.NoError(t, l.Wait(context.Background(), "example.com"))
	}

	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPerDomainBucketsAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1, PerDomain: true})

	// One token per domain; two domains drain without waiting.
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "a.example.com"))
	require.NoError(t, l.Wait(context.Background(), "b.example.com"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, 2, l.Domains())
}

func TestDisabledLimiterNeverBlocks(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0})

	start := time.Now()

	for j := 0; j < 100; j++ {
		require.NoError(t, l.Wait(context.Background(), "example.com"))
	}

	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0.001, Burst: 1, PerDomain: false})

	// Drain the only token.
	require.NoError(t, l.Wait(context.Background(), "example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "example.com")
	assert.Error(t, err)
}

func TestJitterSleepApplied(t *testing.T) {
	l := New(Config{RequestsPerSecond: 10, Burst: 1, PerDomain: false, MaxJitter: 100 * time.Millisecond})

	var slept time.Duration
	l.sleep = func(d time.Duration) { slept = d }

	require.NoError(t, l.Wait(context.Background(), "example.com"))

	assert.GreaterOrEqual(t, slept, time.Duration(0))
	assert.Less(t, slept, 100*time.Millisecond)
}
