package delivery

import (
	"sync"
	"time"
)

// tokenBucket is a classic per-sender token bucket: refillPerSec tokens
// trickle in continuously, capped at burst, and a send costs one token
// (§4.G "Rate limiting").
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(refillPerSec float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		burst:      float64(burst),
		refillRate: refillPerSec,
		lastRefill: time.Now(),
	}
}

// Allow reports whether a send may proceed, consuming a token if so.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// limiter owns one tokenBucket per sender, created lazily.
type limiter struct {
	mu           sync.Mutex
	buckets      map[string]*tokenBucket
	refillPerSec float64
	burst        int
}

func newLimiter(refillPerSec float64, burst int) *limiter {
	return &limiter{
		buckets:      make(map[string]*tokenBucket),
		refillPerSec: refillPerSec,
		burst:        burst,
	}
}

func (l *limiter) Allow(sender string) bool {
	if l.refillPerSec <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[sender]
	if !ok {
		b = newTokenBucket(l.refillPerSec, l.burst)
		l.buckets[sender] = b
	}
	l.mu.Unlock()
	return b.Allow()
}
