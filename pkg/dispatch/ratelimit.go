package dispatch

import (
	"sync"
	"time"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter counts replies per peer within a fixed window.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]rateRecord
}

// NewRateLimiter allows limit replies per peer per window. A limit <= 0
// disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]rateRecord),
	}
}

// Allow returns true if another reply to peer fits in the current window.
func (rl *RateLimiter) Allow(peer string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec := rl.entries[peer]
	if rec.reset.IsZero() || now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(rl.window)}
	}
	if rec.count >= rl.limit {
		return false
	}
	rec.count++
	rl.entries[peer] = rec
	rl.prune(now)
	return true
}

// prune drops expired windows once the table grows.
func (rl *RateLimiter) prune(now time.Time) {
	if len(rl.entries) < 1024 {
		return
	}
	for k, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, k)
		}
	}
}

func (rl *RateLimiter) Peers() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
