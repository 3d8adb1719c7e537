// Package ratelimit throttles calls to a rate-limited resource — here, one
// routable model — using a token bucket refilled lazily on each check, with
// a secondary fixed-window cap for fairness across bursts. Adapted from
// libs/go/core/resilience's RateLimiter, renamed from a generic per-service
// limiter to a per-model Registry the router consults before spending a
// reservation on a provider call.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Limiter is a token bucket with a secondary fixed-window cap: the window
// count resets once windowDur has elapsed since the window started.
type Limiter struct {
	mu sync.Mutex

	capacity     int64
	fillRate     float64 // tokens per second
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
}

// NewLimiter builds a token bucket of the given capacity refilled at
// fillRate tokens/second, additionally capped at maxPerWindow requests per
// windowDur (0 disables the window cap).
func NewLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *Limiter {
	now := time.Now()
	return &Limiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   now,
		windowStart:  now,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow reports whether one token can be consumed now.
func (l *Limiter) Allow() bool { return l.AllowN(1) }

// AllowN attempts to consume n tokens, refilling lazily based on elapsed
// time since the last check.
func (l *Limiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if elapsed := now.Sub(l.lastRefill).Seconds(); elapsed > 0 {
		if refill := elapsed * l.fillRate; refill > 0 {
			l.available = minFloat(float64(l.capacity), l.available+refill)
			l.lastRefill = now
		}
	}

	if now.Sub(l.windowStart) >= l.windowDur && l.windowDur > 0 {
		l.windowStart = now
		l.windowCount = 0
	}

	if l.maxPerWindow > 0 && l.windowCount+n > l.maxPerWindow {
		return false
	}

	if float64(n) <= l.available {
		l.available -= float64(n)
		l.windowCount += n
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Registry hands out one Limiter per key (a model id, in the router's
// usage), mirroring breaker.Manager's lazy per-agent construction.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	capacity int64
	fillRate float64
	window   time.Duration
	maxBurst int64

	throttled metric.Int64Counter
}

// NewRegistry builds a Registry where every key gets an identically
// configured Limiter on first use.
func NewRegistry(capacity int64, fillRate float64, window time.Duration, maxPerWindow int64) *Registry {
	meter := otel.GetMeterProvider().Meter("agentswarm")
	counter, _ := meter.Int64Counter("agentswarm_ratelimit_throttled_total")
	return &Registry{
		limiters:  make(map[string]*Limiter),
		capacity:  capacity,
		fillRate:  fillRate,
		window:    window,
		maxBurst:  maxPerWindow,
		throttled: counter,
	}
}

// Allow consumes one token from key's limiter, creating it on first use.
func (r *Registry) Allow(key string) bool {
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = NewLimiter(r.capacity, r.fillRate, r.window, r.maxBurst)
		r.limiters[key] = l
	}
	r.mu.Unlock()

	ok2 := l.Allow()
	if !ok2 && r.throttled != nil {
		r.throttled.Add(context.Background(), 1, metric.WithAttributes(attribute.String("key", key)))
	}
	return ok2
}
