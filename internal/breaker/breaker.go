// Package breaker suspends an agent after a burst of failures or a
// detected output loop, and attempts controlled recovery. Adapted from
// libs/go/core/resilience's adaptive circuit breaker, generalized from a
// failure-rate window to the count-and-loop semantics agents need.
package breaker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// ErrCircuitOpen is returned by CanExecute when the breaker is tripped.
var ErrCircuitOpen = errors.New("breaker: circuit open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

const (
	windowDuration   = 5 * time.Minute
	failureThreshold = 3
	baseBackoff      = 30 * time.Second
	maxBackoff       = 300 * time.Second

	defaultSimilarityThreshold = 0.98
	defaultRingSize            = 10
)

// Embedder turns an agent's output into a fixed-dimension vector for
// loop detection via cosine similarity. If unavailable, the breaker
// falls back to hash-identity comparison over the last K outputs.
type Embedder interface {
	Embed(output string) ([]float64, error)
}

// Config tunes loop detection. Zero values fall back to the spec's
// defaults (threshold 0.98, window 10).
type Config struct {
	SimilarityThreshold float64
	Window              int
}

func (c Config) similarityThreshold() float64 {
	if c.SimilarityThreshold == 0 {
		return defaultSimilarityThreshold
	}
	return c.SimilarityThreshold
}

func (c Config) window() int {
	if c.Window == 0 {
		return defaultRingSize
	}
	return c.Window
}

// Breaker is a per-agent circuit breaker. can_execute, record_result, and
// transitions are all serialized under a single mutex, matching the
// spec's one-mutex-per-agent requirement.
type Breaker struct {
	mu sync.Mutex

	agentID  string
	embedder Embedder
	cfg      Config

	st               state
	openedAt         time.Time
	recoveryAttempts int
	halfOpenProbed   bool

	failures []time.Time // timestamps within the sliding window

	embedRing [][]float64
	hashRing  []uint64
	ringPos   int
	ringLen   int
}

// New constructs a breaker for one agent using default loop-detection
// configuration. embedder may be nil, in which case loop detection
// degrades to hash-identity.
func New(agentID string, embedder Embedder) *Breaker {
	return NewWithConfig(agentID, embedder, Config{})
}

// NewWithConfig constructs a breaker with an explicit loop-detection
// configuration.
func NewWithConfig(agentID string, embedder Embedder, cfg Config) *Breaker {
	ringSize := cfg.window()
	return &Breaker{
		agentID:   agentID,
		embedder:  embedder,
		cfg:       cfg,
		st:        stateClosed,
		embedRing: make([][]float64, ringSize),
		hashRing:  make([]uint64, ringSize),
	}
}

// CanExecute reports whether a request may proceed, performing the
// open -> half_open transition if the backoff has elapsed.
func (b *Breaker) CanExecute() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case stateOpen:
		if time.Since(b.openedAt) >= backoff(b.recoveryAttempts) {
			b.st = stateHalfOpen
			b.halfOpenProbed = false
		} else {
			return ErrCircuitOpen
		}
	}

	if b.st == stateHalfOpen {
		if b.halfOpenProbed {
			return ErrCircuitOpen
		}
		b.halfOpenProbed = true
	}
	return nil
}

// RecordResult records the outcome of an execution. output is the
// agent's textual output, used for loop detection on success; it is
// ignored on failure.
func (b *Breaker) RecordResult(success bool, output string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.st {
	case stateHalfOpen:
		if success {
			b.reset()
		} else {
			b.recoveryAttempts++
			b.transitionToOpen()
		}
		return
	case stateOpen:
		return
	}

	if !success {
		b.evictStaleFailures(now)
		b.failures = append(b.failures, now)
		if len(b.failures) >= failureThreshold {
			b.transitionToOpen()
		}
		return
	}

	if b.isLoop(output) {
		b.transitionToOpen()
		return
	}
	b.pushOutput(output)
}

func (b *Breaker) evictStaleFailures(now time.Time) {
	cutoff := now.Add(-windowDuration)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) isLoop(output string) bool {
	if b.embedder != nil {
		vec, err := b.embedder.Embed(output)
		if err == nil {
			threshold := b.cfg.similarityThreshold()
			for i := 0; i < b.ringLen; i++ {
				if cosineSimilarity(vec, b.embedRing[i]) >= threshold {
					return true
				}
			}
			return false
		}
	}
	h := hashString(output)
	for i := 0; i < b.ringLen; i++ {
		if b.hashRing[i] == h {
			return true
		}
	}
	return false
}

func (b *Breaker) pushOutput(output string) {
	if b.embedder != nil {
		if vec, err := b.embedder.Embed(output); err == nil {
			b.embedRing[b.ringPos] = vec
			b.advanceRing()
			return
		}
	}
	b.hashRing[b.ringPos] = hashString(output)
	b.advanceRing()
}

func (b *Breaker) advanceRing() {
	size := len(b.hashRing)
	b.ringPos = (b.ringPos + 1) % size
	if b.ringLen < size {
		b.ringLen++
	}
}

func (b *Breaker) transitionToOpen() {
	b.st = stateOpen
	b.openedAt = time.Now()
	meter := otel.GetMeterProvider().Meter("agentswarm")
	counter, _ := meter.Int64Counter("agentswarm_breaker_open_total")
	counter.Add(context.Background(), 1)
}

func (b *Breaker) reset() {
	b.st = stateClosed
	b.openedAt = time.Time{}
	b.recoveryAttempts = 0
	b.failures = nil
	meter := otel.GetMeterProvider().Meter("agentswarm")
	counter, _ := meter.Int64Counter("agentswarm_breaker_closed_total")
	counter.Add(context.Background(), 1)
}

func backoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// hashString is a simple FNV-1a 64-bit hash, sufficient for
// identity-only comparison (not used for anything security-sensitive).
func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Manager is a registry of one Breaker per agent, created lazily on
// first use. Dispatcher and router components consult it to reject
// assignment to agents with an open circuit.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	embedder Embedder
	cfg      Config
}

// NewManager constructs an empty breaker registry using default
// loop-detection configuration. embedder may be nil.
func NewManager(embedder Embedder) *Manager {
	return NewManagerWithConfig(embedder, Config{})
}

// NewManagerWithConfig constructs an empty breaker registry with an
// explicit loop-detection configuration applied to every breaker it
// creates.
func NewManagerWithConfig(embedder Embedder, cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		embedder: embedder,
		cfg:      cfg,
	}
}

// For returns the breaker for agentID, creating one if absent.
func (m *Manager) For(agentID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[agentID]; ok {
		return b
	}
	b := NewWithConfig(agentID, m.embedder, m.cfg)
	m.breakers[agentID] = b
	return b
}

// CanExecute is a convenience for Manager.For(agentID).CanExecute().
func (m *Manager) CanExecute(agentID string) error {
	return m.For(agentID).CanExecute()
}
