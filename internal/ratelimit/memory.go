package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	idleEviction  = 10 * time.Minute
	sweepInterval = time.Minute
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// TokenBucket is an in-process limiter with one token bucket per key.
// Buckets refill continuously at rate tokens per second up to burst.
// Idle buckets are swept by a background goroutine; call Close to stop it.
type TokenBucket struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// PerMinute returns a TokenBucket allowing n requests per minute per key
// with the given burst.
func PerMinute(n, burst int) *TokenBucket {
	return NewTokenBucket(float64(n)/60, burst)
}

// NewTokenBucket creates a limiter refilling rate tokens per second.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	tb := &TokenBucket{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go tb.sweep()
	return tb
}

// Allow takes one token from key's bucket.
func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.burst, seen: now}
		tb.buckets[key] = b
	}
	b.tokens = math.Min(tb.burst, b.tokens+now.Sub(b.seen).Seconds()*tb.rate)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}
	if tb.rate <= 0 {
		return false, time.Minute, nil
	}
	wait := time.Duration((1 - b.tokens) / tb.rate * float64(time.Second))
	return false, wait, nil
}

// Close stops the sweeper. Safe to call more than once.
func (tb *TokenBucket) Close() error {
	tb.stopOnce.Do(func() { close(tb.stop) })
	return nil
}

func (tb *TokenBucket) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tb.stop:
			return
		case <-ticker.C:
			tb.evictIdle()
		}
	}
}

func (tb *TokenBucket) evictIdle() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	cutoff := tb.now().Add(-idleEviction)
	for key, b := range tb.buckets {
		if b.seen.Before(cutoff) {
			delete(tb.buckets, key)
		}
	}
}
