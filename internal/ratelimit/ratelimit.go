package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter grants each key a fixed number of actions per window
type RateLimiter struct {
	mu        sync.Mutex
	tokens    map[string]int
	lastReset map[string]time.Time
	limit     int
	window    time.Duration
	now       func() time.Time
}

// New creates a RateLimiter allowing limit actions per key per minute.
// A non-positive limit disables limiting.
func New(limit int) *RateLimiter {
	return &RateLimiter{
		tokens:    make(map[string]int),
		lastReset: make(map[string]time.Time),
		limit:     limit,
		window:    time.Minute,
		now:       time.Now,
	}
}

// Allow consumes one action for key and reports whether it was available
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	last, exists := rl.lastReset[key]

	// Reset tokens once the window has passed
	if !exists || now.Sub(last) >= rl.window {
		rl.tokens[key] = rl.limit
		rl.lastReset[key] = now
		rl.sweep(now)
	}

	if rl.tokens[key] > 0 {
		rl.tokens[key]--
		return true
	}
	return false
}

// sweep forgets keys whose window ended long ago
func (rl *RateLimiter) sweep(now time.Time) {
	for key, last := range rl.lastReset {
		if now.Sub(last) > 2*rl.window {
			delete(rl.lastReset, key)
			delete(rl.tokens, key)
		}
	}
}
