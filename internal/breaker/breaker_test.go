package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestOpensAfterThreeFailures(t *testing.T) {
	b := New("agent-1", nil)
	for i := 0; i < failureThreshold; i++ {
		if err := b.CanExecute(); err != nil {
			t.Fatalf("unexpected reject before trip: %v", err)
		}
		b.RecordResult(false, "")
	}
	if err := b.CanExecute(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open after %d failures, got %v", failureThreshold, err)
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b := New("agent-2", nil)
	for i := 0; i < failureThreshold; i++ {
		b.RecordResult(false, "")
	}
	b.openedAt = time.Now().Add(-baseBackoff - time.Second)

	if err := b.CanExecute(); err != nil {
		t.Fatalf("expected half-open probe to be allowed: %v", err)
	}
	// second concurrent probe attempt must be rejected
	if err := b.CanExecute(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected second probe rejected while first outstanding: %v", err)
	}

	b.RecordResult(true, "ok")
	if b.st != stateClosed {
		t.Fatalf("expected closed after successful probe, got state %d", b.st)
	}
	if err := b.CanExecute(); err != nil {
		t.Fatalf("expected execution allowed post-reset: %v", err)
	}
}

func TestHalfOpenProbeFailureReopensWithLongerBackoff(t *testing.T) {
	b := New("agent-3", nil)
	for i := 0; i < failureThreshold; i++ {
		b.RecordResult(false, "")
	}
	b.openedAt = time.Now().Add(-baseBackoff - time.Second)
	_ = b.CanExecute() // consume the probe slot, enters half_open
	b.RecordResult(false, "")

	if b.st != stateOpen {
		t.Fatalf("expected reopen on failed probe, got state %d", b.st)
	}
	if b.recoveryAttempts != 1 {
		t.Fatalf("expected recovery_attempts=1, got %d", b.recoveryAttempts)
	}
	if backoff(b.recoveryAttempts) <= baseBackoff {
		t.Fatalf("expected backoff to grow after failed probe")
	}
}

func TestBackoffCapsAt300Seconds(t *testing.T) {
	if d := backoff(10); d != maxBackoff {
		t.Fatalf("expected backoff to cap at %v, got %v", maxBackoff, d)
	}
}

func TestHashIdentityLoopDetectionFallback(t *testing.T) {
	b := New("agent-4", nil)
	b.RecordResult(true, "the answer is 42")
	if err := b.CanExecute(); err != nil {
		t.Fatalf("unexpected reject: %v", err)
	}
	b.RecordResult(true, "the answer is 42")
	if err := b.CanExecute(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected loop detection to trip breaker on repeated output")
	}
}

type fakeEmbedder struct {
	vectors map[string][]float64
}

func (f *fakeEmbedder) Embed(output string) ([]float64, error) {
	if v, ok := f.vectors[output]; ok {
		return v, nil
	}
	return []float64{0, 0, 1}, nil
}

func TestCosineSimilarityLoopDetection(t *testing.T) {
	fe := &fakeEmbedder{vectors: map[string][]float64{
		"a": {1, 0, 0},
		"b": {0.999, 0.001, 0},
	}}
	b := New("agent-5", fe)
	b.RecordResult(true, "a")
	if err := b.CanExecute(); err != nil {
		t.Fatalf("unexpected reject: %v", err)
	}
	b.RecordResult(true, "b")
	if err := b.CanExecute(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected near-identical embedding to be flagged as a loop")
	}
}

func TestStaleFailuresEvictedOutsideWindow(t *testing.T) {
	b := New("agent-6", nil)
	old := time.Now().Add(-windowDuration - time.Minute)
	b.failures = []time.Time{old, old}
	b.RecordResult(false, "")
	if len(b.failures) != 1 {
		t.Fatalf("expected stale failures evicted, leaving only the fresh one, got %d", len(b.failures))
	}
}

func TestManagerCreatesPerAgentBreakers(t *testing.T) {
	m := NewManager(nil)
	a := m.For("agent-a")
	b := m.For("agent-b")
	if a == b {
		t.Fatalf("expected distinct breakers per agent")
	}
	if m.For("agent-a") != a {
		t.Fatalf("expected stable breaker identity for repeated lookups")
	}
}
