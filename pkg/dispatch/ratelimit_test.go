package dispatch

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two replies should be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("third reply within the window should be refused")
	}
	if !rl.Allow("b") {
		t.Fatal("limits are per peer")
	}

	now = now.Add(time.Minute + time.Second)
	if !rl.Allow("a") {
		t.Fatal("window should reset")
	}
	if rl.Peers() != 2 {
		t.Fatalf("Peers() = %d, want 2", rl.Peers())
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 10; i++ {
		if !rl.Allow("a") {
			t.Fatal("zero limit must allow everything")
		}
	}
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("a") {
		t.Fatal("nil limiter must allow")
	}
}
