package api

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("7") || !rl.Allow("7") {
		t.Fatal("requests within the limit must be allowed")
	}
	if rl.Allow("7") {
		t.Fatal("request over the limit must be rejected")
	}
	if !rl.Allow("8") {
		t.Fatal("other keys must not be throttled")
	}
}

func TestRateLimiterEvictsExpiredKeys(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(5, 10*time.Millisecond)
	rl.Allow("7")
	rl.Allow("8")

	time.Sleep(20 * time.Millisecond)
	rl.evictExpired()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.requests) != 0 {
		t.Fatalf("expected all expired keys evicted, %d remain", len(rl.requests))
	}
}
