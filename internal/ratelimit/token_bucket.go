package ratelimit

import (
	"sync"
	"time"
)

// nanoTokensPerToken is the fixed-point scale: a rate of X tokens/sec adds X
// nano-tokens per elapsed nanosecond.
const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket limits signaling messages per connection. It refills at an
// integer rate using a Clock and never exceeds its burst capacity.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	burst int64
	rate  int64

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a full bucket holding burst tokens that refills at
// rate tokens/sec.
func NewTokenBucket(clock Clock, burst, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	burst = max(burst, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock:     clock,
		burst:     burst,
		rate:      rate,
		available: toNano(burst),
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

// Tokens reports the whole tokens currently available.
func (b *TokenBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return b.available / nanoTokensPerToken
}

func (b *TokenBucket) refillLocked(now time.Time) {
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.burst == 0 {
		return
	}

	limit := toNano(b.burst)
	missing := limit - b.available
	if missing <= 0 {
		b.available = limit
		return
	}
	// elapsed*rate could overflow; anything past the fill point clamps.
	if elapsed >= missing/b.rate {
		b.available = limit
		return
	}
	b.available = min(b.available+elapsed*b.rate, limit)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
