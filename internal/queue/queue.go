// Package queue implements the Durable Queue component (spec §4.5):
// persistent, priority-ordered, at-least-once delivery with lease-based
// claim. Grounded on services/orchestrator/persistence.go's WorkflowStore
// (bbolt-backed, in-memory index kept alongside the durable copy), adapted
// from a name-keyed workflow cache into a priority-ordered task index with
// lease semantics the teacher's store never needed.
package queue

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// ErrLeaseLost is returned by Heartbeat/Complete when the supplied token no
// longer matches the task's current lease.
var ErrLeaseLost = errors.New("queue: lease lost")

// ErrNotFound is returned when a task id is unknown.
var ErrNotFound = errors.New("queue: task not found")

// Status is a queued task's lifecycle state.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one durable queue entry.
type Task struct {
	ID             uuid.UUID
	Priority       int
	CreatedAt      time.Time
	ScheduledFor   time.Time
	Status         Status
	LockedBy       string
	LeaseToken     uuid.UUID
	LeaseExpiresAt time.Time
	Attempt        int
	Payload        []byte
	Result         []byte
}

// Queue is the durable, priority-ordered task queue. A bbolt-backed store
// provides durability; an in-memory min-heap index (by priority desc, then
// created_at asc) mirrors the teacher's memCache so claim() never scans
// the database on the hot path.
type Queue struct {
	mu sync.Mutex

	db *bbolt.DB

	tasks   map[uuid.UUID]*Task
	pending *pendingHeap // queued tasks ready for claim
	running map[uuid.UUID]bool
}

var bucketTasks = []byte("queue_tasks")

// Open opens (creating if absent) a bbolt-backed queue at path and
// rehydrates its in-memory index from any previously persisted tasks.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue bucket: %w", err)
	}

	q := &Queue{
		db:      db,
		tasks:   make(map[uuid.UUID]*Task),
		pending: &pendingHeap{},
		running: make(map[uuid.UUID]bool),
	}
	heap.Init(q.pending)

	if err := q.rehydrate(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) rehydrate() error {
	return q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(_, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil // skip corrupt entries rather than fail startup
			}
			cp := t
			q.tasks[t.ID] = &cp
			switch t.Status {
			case StatusQueued:
				heap.Push(q.pending, &cp)
			case StatusRunning:
				q.running[t.ID] = true
			}
			return nil
		})
	})
}

// Close releases the underlying database handle.
func (q *Queue) Close() error { return q.db.Close() }

func (q *Queue) persist(t *Task) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	_ = q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(t.ID.String()), data)
	})
}

// Enqueue implements enqueue: inserts with status queued, ordered primarily
// by priority descending then created_at ascending.
func (q *Queue) Enqueue(priority int, scheduledFor time.Time, payload []byte) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &Task{
		ID:           uuid.New(),
		Priority:     priority,
		CreatedAt:    time.Now(),
		ScheduledFor: scheduledFor,
		Status:       StatusQueued,
		Payload:      payload,
	}
	q.tasks[t.ID] = t
	heap.Push(q.pending, t)
	q.persist(t)
	return t.ID
}

// Claim implements claim: atomically selects the oldest eligible task
// (status queued, scheduled_for <= now) with the highest priority and
// transitions it to running under a fresh lease.
func (q *Queue) Claim(workerID string, leaseDuration time.Duration) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var deferred []*Task
	var claimed *Task

	for q.pending.Len() > 0 {
		candidate := heap.Pop(q.pending).(*Task)
		if candidate.Status != StatusQueued {
			continue // stale heap entry superseded by a requeue
		}
		if candidate.ScheduledFor.After(now) {
			deferred = append(deferred, candidate)
			continue
		}
		claimed = candidate
		break
	}
	for _, d := range deferred {
		heap.Push(q.pending, d)
	}
	if claimed == nil {
		return nil, false
	}

	claimed.Status = StatusRunning
	claimed.LockedBy = workerID
	claimed.LeaseToken = uuid.New()
	claimed.LeaseExpiresAt = now.Add(leaseDuration)
	q.running[claimed.ID] = true
	q.persist(claimed)

	out := *claimed
	return &out, true
}

// Heartbeat implements heartbeat: extends the lease if the token still
// matches, otherwise returns ErrLeaseLost.
func (q *Queue) Heartbeat(taskID uuid.UUID, token uuid.UUID, extend time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusRunning || t.LeaseToken != token {
		return ErrLeaseLost
	}
	t.LeaseExpiresAt = time.Now().Add(extend)
	q.persist(t)
	return nil
}

// Complete implements complete: if the token matches, sets a terminal
// status and records the result.
func (q *Queue) Complete(taskID uuid.UUID, token uuid.UUID, success bool, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusRunning || t.LeaseToken != token {
		return ErrLeaseLost
	}
	if success {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusFailed
	}
	t.Result = result
	delete(q.running, taskID)
	q.persist(t)
	return nil
}

// RequeueExpiredLeases implements requeue_expired_leases: any running task
// whose lease has expired returns to queued with attempt incremented.
func (q *Queue) RequeueExpiredLeases() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var requeued []uuid.UUID
	for id := range q.running {
		t := q.tasks[id]
		if t.Status == StatusRunning && t.LeaseExpiresAt.Before(now) {
			t.Status = StatusQueued
			t.Attempt++
			t.LockedBy = ""
			t.LeaseToken = uuid.UUID{}
			t.LeaseExpiresAt = time.Time{}
			delete(q.running, id)
			heap.Push(q.pending, t)
			q.persist(t)
			requeued = append(requeued, id)
		}
	}
	return requeued
}

// Get returns a copy of a task's current state.
func (q *Queue) Get(taskID uuid.UUID) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// pendingHeap orders queued tasks by priority descending, then created_at
// ascending, matching spec §4.5's enqueue ordering.
type pendingHeap []*Task

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
