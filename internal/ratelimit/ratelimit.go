// Package ratelimit provides a fixed-window request limiter keyed by caller
// address. It fronts the payment endpoints, which are the only surfaces a
// client can hammer to probe payment ids.
package ratelimit

import (
	"sync"
	"time"
)

type RateLimit interface {
	Allow(addr string) bool
}

type window struct {
	count   int
	started time.Time
}

type fixedWindowLimiter struct {
	maxRequests int
	interval    time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

func New(maxRequests int, interval time.Duration) RateLimit {
	return &fixedWindowLimiter{
		maxRequests: maxRequests,
		interval:    interval,
		windows:     make(map[string]*window),
	}
}

func (rl *fixedWindowLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	w := rl.windows[addr]
	if w == nil || now.Sub(w.started) > rl.interval {
		if rl.maxRequests == 0 {
			return false
		}
		rl.windows[addr] = &window{count: 1, started: now}
		rl.prune(now)
		return true
	}

	if w.count >= rl.maxRequests {
		return false
	}
	w.count++

	return true
}

// prune drops expired windows so the map does not grow with every address
// ever seen. Called under the mutex.
func (rl *fixedWindowLimiter) prune(now time.Time) {
	for addr, w := range rl.windows {
		if now.Sub(w.started) > rl.interval {
			delete(rl.windows, addr)
		}
	}
}
