package hub

import (
	"sync"
	"time"
)

// Per-connection input limits.
const (
	// MaxInputMessageSize caps a single input frame. Larger frames are
	// rejected with a protocol error.
	MaxInputMessageSize = 64 * 1024

	// MessageRateLimit is the sustained messages/second allowed per
	// connection; MessageRateBurst absorbs short bursts such as pastes.
	MessageRateLimit = 200
	MessageRateBurst = 200
)

// RateLimiter is a token bucket limiting client message rates.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a limiter with the given rate (tokens/sec) and burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
