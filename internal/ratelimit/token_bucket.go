// Package ratelimit bounds how fast a single relay connection may send
// signaling frames.
package ratelimit

import (
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
)

// One token is stored as 1e9 nano-tokens so that a rate of R tokens/sec adds
// exactly R nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) against a clock.Clock.
type TokenBucket struct {
	mu    sync.Mutex
	clock clock.Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clk clock.Clock, capacityTokens, tokensPerSecond int64) *TokenBucket {
	if clk == nil {
		clk = clock.Real{}
	}
	capacity := toNano(capacityTokens)
	if tokensPerSecond < 0 {
		tokensPerSecond = 0
	}
	return &TokenBucket{
		clock:     clk,
		capacity:  capacity,
		rate:      tokensPerSecond,
		available: capacity,
		last:      clk.Now(),
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

	b.refill(b.clock.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that steps backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.available >= b.capacity {
		return
	}
	missing := b.capacity - b.available
	if elapsed >= missing/b.rate+1 {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/nanoPerToken:
		return maxInt64
	default:
		return tokens * nanoPerToken
	}
}
