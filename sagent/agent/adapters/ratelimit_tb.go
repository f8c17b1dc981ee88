package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
)

// TokenBucket implements a per-key token bucket rate limiter. Acquire waits
// for a token instead of failing, bounded by the caller's context.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter. A non-positive
// capacity or refill rate disables limiting.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Acquire blocks until a token for key is available or ctx is done. Tokens
// are consumed; release is a no-op kept for the RateLimiter contract.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	if tb.capacity <= 0 || tb.refillRate <= 0 {
		return func() {}, nil
	}
	for {
		wait := tb.take(key)
		if wait == 0 {
			return func() {}, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("rate limit wait for %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

// take consumes a token and returns 0, or returns how long until the next refill.
func (tb *TokenBucket) take(key string) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill)
	if add := int(elapsed / tb.refillRate); add > 0 {
		b.tokens = min(b.tokens+add, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(add) * tb.refillRate)
	}

	if b.tokens > 0 {
		b.tokens--
		return 0
	}
	return tb.refillRate - now.Sub(b.lastRefill)
}

var _ ports.RateLimiter = (*TokenBucket)(nil)
