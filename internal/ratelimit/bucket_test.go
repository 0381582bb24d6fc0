package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func newTestBucket(capacity int) (*Bucket, *fakeClock) {
	clock := &fakeClock{cur: time.Unix(1_700_000_000, 0)}
	b := NewBucket(capacity, time.Minute)
	b.now = clock.now
	b.last = clock.now()
	return b, clock
}

func TestBucketStartsFull(t *testing.T) {
	b, _ := newTestBucket(120)
	assert.InDelta(t, 120, b.Available(), 0.001)
}

func TestBucketConsumesAndRefills(t *testing.T) {
	b, clock := newTestBucket(120)
	ctx := context.Background()

	for range 120 {
		require.NoError(t, b.Acquire(ctx))
	}
	assert.Less(t, b.Available(), 1.0)
	assert.Equal(t, 120, b.RequestsInLastMinute())

	// 120/min refills two tokens per second.
	clock.advance(1 * time.Second)
	assert.InDelta(t, 2.0, b.Available(), 0.01)

	clock.advance(10 * time.Minute)
	assert.InDelta(t, 120, b.Available(), 0.001)
}

func TestBucketCapsAtCapacity(t *testing.T) {
	b, clock := newTestBucket(10)
	clock.advance(time.Hour)
	assert.InDelta(t, 10, b.Available(), 0.001)
}

func TestAcquireHonorsCancellation(t *testing.T) {
	b, _ := newTestBucket(1)
	require.NoError(t, b.Acquire(context.Background()))

	// Bucket is empty and the fake clock never advances, so the second
	// Acquire can only end via cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Acquire(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after cancellation")
	}
}

func TestSlidingWindowCounterExpires(t *testing.T) {
	b, clock := newTestBucket(120)
	ctx := context.Background()

	for range 30 {
		require.NoError(t, b.Acquire(ctx))
	}
	assert.Equal(t, 30, b.RequestsInLastMinute())

	clock.advance(61 * time.Second)
	assert.Equal(t, 0, b.RequestsInLastMinute())
}

func TestSnapshotUtilization(t *testing.T) {
	b, _ := newTestBucket(120)
	ctx := context.Background()
	for range 60 {
		require.NoError(t, b.Acquire(ctx))
	}

	snap := b.Snapshot()
	assert.Equal(t, 60, snap.RequestsInLastMinute)
	assert.InDelta(t, 50.0, snap.UtilizationPercent, 0.01)
	assert.InDelta(t, 60.0, snap.TokensAvailable, 0.01)
	assert.False(t, snap.Timestamp.IsZero())
}

// Over any 60-second window the bucket never grants more than its capacity,
// even though refill would make tokens available during the burst.
func TestRateCapOverWindow(t *testing.T) {
	b, clock := newTestBucket(120)
	ctx := context.Background()

	// Burst through the full capacity with 100 ms pacing. The refill adds
	// ~24 tokens during this stretch, but the window gate must still stop
	// the 121st grant.
	for range 120 {
		require.NoError(t, b.Acquire(ctx))
		clock.advance(100 * time.Millisecond)
	}
	assert.Equal(t, 120, b.RequestsInLastMinute())
	assert.GreaterOrEqual(t, b.Available(), 1.0)

	blockedCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Acquire(blockedCtx), context.DeadlineExceeded)

	// Once the window has rolled past the burst, grants resume.
	clock.advance(61 * time.Second)
	require.NoError(t, b.Acquire(ctx))
}
