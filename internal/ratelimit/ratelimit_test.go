package ratelimit

import (
	"testing"
	"time"
)

func TestAllowConsumesTokensUntilExhausted(t *testing.T) {
	l := NewLimiter(2, 0, time.Second, 0)
	if !l.Allow() {
		t.Fatalf("expected first token allowed")
	}
	if !l.Allow() {
		t.Fatalf("expected second token allowed")
	}
	if l.Allow() {
		t.Fatalf("expected bucket exhausted")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := NewLimiter(1, 100, time.Second, 0)
	if !l.Allow() {
		t.Fatalf("expected first token allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if !l.Allow() {
		t.Fatalf("expected token refilled after elapsed time")
	}
}

func TestWindowCapOverridesTokenAvailability(t *testing.T) {
	l := NewLimiter(100, 1000, time.Minute, 1)
	if !l.Allow() {
		t.Fatalf("expected first request under window cap")
	}
	if l.Allow() {
		t.Fatalf("expected second request rejected by window cap despite tokens available")
	}
}

func TestRegistryIsolatesLimitersPerKey(t *testing.T) {
	r := NewRegistry(1, 0, time.Second, 0)
	if !r.Allow("model-a") {
		t.Fatalf("expected model-a first call allowed")
	}
	if r.Allow("model-a") {
		t.Fatalf("expected model-a second call throttled")
	}
	if !r.Allow("model-b") {
		t.Fatalf("expected model-b to have its own independent bucket")
	}
}
