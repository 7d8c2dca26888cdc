package api

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 2, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("expected first two requests to pass")
	}
	if rl.Allow("u1") {
		t.Fatal("expected third request to be limited")
	}
	if !rl.Allow("u2") {
		t.Fatal("expected other users to have their own budget")
	}

	now = now.Add(time.Minute + time.Second)
	if !rl.Allow("u1") {
		t.Fatal("expected budget to recover after the window")
	}

	now = now.Add(2 * time.Minute)
	rl.evict()
	rl.mu.Lock()
	n := len(rl.requests)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("expected stale keys to be evicted, %d left", n)
	}
}
