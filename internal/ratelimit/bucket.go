// Package ratelimit paces all outbound MailerLite calls.
//
// The API allows 120 requests per rolling 60 seconds; a single process-wide
// token bucket enforces that budget client-side. Every call that crosses the
// process boundary to MailerLite passes through exactly one Acquire.
// Distributed deployments need an external limiter; that is out of scope.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Defaults matching the MailerLite account limit.
const (
	DefaultCapacity = 120
	DefaultWindow   = time.Minute
)

// Bucket is a blocking token bucket with a sliding-window request counter.
// Safe for concurrent use.
type Bucket struct {
	capacity float64
	rate     float64 // tokens per second
	window   time.Duration

	mu     sync.Mutex
	tokens float64
	last   time.Time
	// recent holds the grant times inside the last window, for the
	// requests-in-last-minute observability counter.
	recent []time.Time

	now func() time.Time // test hook
}

// NewBucket creates a full bucket that refills capacity tokens per window.
func NewBucket(capacity int, window time.Duration) *Bucket {
	now := time.Now()
	return &Bucket{
		capacity: float64(capacity),
		rate:     float64(capacity) / window.Seconds(),
		window:   window,
		tokens:   float64(capacity),
		last:     now,
		now:      time.Now,
	}
}

// refill adds tokens for the elapsed time. Caller holds mu.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// trimRecent drops grant timestamps older than one window. Caller holds mu.
func (b *Bucket) trimRecent(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.recent) && b.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.recent = append(b.recent[:0], b.recent[i:]...)
	}
}

// Acquire blocks until a token is available, then consumes one.
// It returns early with the context error on cancellation.
//
// Two conditions gate a grant: at least one token in the bucket, and fewer
// than capacity grants inside the trailing window. The second condition
// keeps a freshly started (full) bucket from exceeding the API's rolling
// 120-per-minute budget through burst-plus-refill.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := b.now()
		b.refill(now)
		b.trimRecent(now)
		if b.tokens >= 1 && len(b.recent) < int(b.capacity) {
			b.tokens--
			b.recent = append(b.recent, now)
			b.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if b.tokens < 1 {
			// Time until one full token accrues.
			wait = time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		}
		if len(b.recent) >= int(b.capacity) {
			windowWait := b.recent[0].Add(b.window).Sub(now)
			if windowWait > wait {
				wait = windowWait
			}
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available returns the current fractional token count without consuming.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.now())
	return b.tokens
}

// RequestsInLastMinute returns how many tokens were granted inside the
// trailing window.
func (b *Bucket) RequestsInLastMinute() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trimRecent(b.now())
	return len(b.recent)
}
