package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is an in-process token bucket refilled continuously at rate
// tokens per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	rate       float64
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	now := time.Now()
	return &TokenBucket{capacity: capacity, tokens: capacity, rate: rate, lastRefill: now, lastUsed: now}
}

// Take consumes one token. It returns whether the token was available, the
// tokens left and how long until the bucket is full again.
func (b *TokenBucket) Take(now time.Time) (bool, int64, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	b.lastUsed = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	reset := time.Duration((b.capacity - b.tokens) / b.rate * float64(time.Second))
	return allowed, int64(b.tokens), reset
}

// bucketPool keys local buckets, dropping the ones idle longer than maxIdle.
type bucketPool struct {
	mu       sync.Mutex
	buckets  map[string]*TokenBucket
	capacity float64
	rate     float64
}

func newBucketPool(capacity, rate float64) *bucketPool {
	return &bucketPool{buckets: map[string]*TokenBucket{}, capacity: capacity, rate: rate}
}

func (p *bucketPool) get(key string) *TokenBucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = NewTokenBucket(p.capacity, p.rate)
		p.buckets[key] = b
	}
	return b
}

func (p *bucketPool) remove(key string) {
	p.mu.Lock()
	delete(p.buckets, key)
	p.mu.Unlock()
}

func (p *bucketPool) cleanup(maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for k, b := range p.buckets {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(p.buckets, k)
			removed++
		}
	}
	return removed
}
