package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestClaimReturnsHighestPriorityFirst(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(1, time.Time{}, []byte("low"))
	highID := q.Enqueue(5, time.Time{}, []byte("high"))
	q.Enqueue(3, time.Time{}, []byte("mid"))

	task, ok := q.Claim("worker-1", time.Minute)
	if !ok {
		t.Fatalf("expected a claimable task")
	}
	if task.ID != highID {
		t.Fatalf("expected highest-priority task claimed first, got %v", task.Payload)
	}
}

func TestClaimRespectsScheduledFor(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(10, time.Now().Add(time.Hour), []byte("future"))
	nowID := q.Enqueue(1, time.Time{}, []byte("now"))

	task, ok := q.Claim("worker-1", time.Minute)
	if !ok {
		t.Fatalf("expected a claimable task")
	}
	if task.ID != nowID {
		t.Fatalf("expected the eligible task to be claimed, got %v", task.Payload)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(1, time.Time{}, nil)
	task, _ := q.Claim("worker-1", time.Second)

	if err := q.Heartbeat(task.ID, task.LeaseToken, time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	updated, _ := q.Get(task.ID)
	if time.Until(updated.LeaseExpiresAt) < 30*time.Second {
		t.Fatalf("expected lease extended, got expiry %v", updated.LeaseExpiresAt)
	}
}

func TestHeartbeatRejectsStaleToken(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(1, time.Time{}, nil)
	task, _ := q.Claim("worker-1", time.Minute)

	if err := q.Heartbeat(task.ID, wrongToken(task.LeaseToken), time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected LeaseLost, got %v", err)
	}
}

func TestCompleteRequiresMatchingToken(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(1, time.Time{}, nil)
	task, _ := q.Claim("worker-1", time.Minute)

	if err := q.Complete(task.ID, wrongToken(task.LeaseToken), true, []byte("ok")); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected LeaseLost on mismatched complete, got %v", err)
	}
	if err := q.Complete(task.ID, task.LeaseToken, true, []byte("ok")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, _ := q.Get(task.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %v", done.Status)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	q := openTestQueue(t)
	id := q.Enqueue(1, time.Time{}, nil)
	task, _ := q.Claim("worker-1", -time.Second) // already expired

	requeued := q.RequeueExpiredLeases()
	if len(requeued) != 1 || requeued[0] != id {
		t.Fatalf("expected %v requeued, got %v", id, requeued)
	}
	after, _ := q.Get(task.ID)
	if after.Status != StatusQueued {
		t.Fatalf("expected queued status after requeue, got %v", after.Status)
	}
	if after.Attempt != 1 {
		t.Fatalf("expected attempt incremented, got %d", after.Attempt)
	}

	// The task must be claimable again.
	reclaimed, ok := q.Claim("worker-2", time.Minute)
	if !ok || reclaimed.ID != id {
		t.Fatalf("expected requeued task reclaimable, got %+v ok=%v", reclaimed, ok)
	}
}

func TestClaimReturnsFalseWhenEmpty(t *testing.T) {
	q := openTestQueue(t)
	if _, ok := q.Claim("worker-1", time.Minute); ok {
		t.Fatalf("expected no claimable task on empty queue")
	}
}

func wrongToken(original [16]byte) [16]byte {
	var out [16]byte
	copy(out[:], original[:])
	out[0] ^= 0xFF
	return out
}
