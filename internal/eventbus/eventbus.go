// Package eventbus implements the orchestrator's event multicast (spec
// §4.8, §5): an in-process fan-out broadcaster that drops the oldest
// buffered event for a slow subscriber rather than apply backpressure to
// the publisher. An optional adapter re-publishes the same events to NATS
// for out-of-process observability/dashboard consumers, adapted from
// libs/go/core/natsctx's trace-propagating Publish helper.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an observable event type (spec §4.8/§5): TaskQueued,
// TaskRunning, TaskCompleted, TaskFailed, DagSubmitted, DagComplete,
// WorkerDead, Escalating, and so on. Kept as a plain string so
// producers can introduce new event kinds without a central enum.
type Kind string

const (
	KindDagSubmitted  Kind = "DagSubmitted"
	KindDagComplete   Kind = "DagComplete"
	KindTaskQueued    Kind = "TaskQueued"
	KindTaskRunning   Kind = "TaskRunning"
	KindTaskCompleted Kind = "TaskCompleted"
	KindTaskFailed    Kind = "TaskFailed"
	KindWorkerDead    Kind = "WorkerDead"
	KindEscalating    Kind = "Escalating"
)

// Event is one observable occurrence. TaskID/DagID are zero-value UUIDs
// when not applicable to the Kind.
type Event struct {
	ID         uuid.UUID
	Kind       Kind
	DagID      uuid.UUID
	TaskID     uuid.UUID
	OccurredAt time.Time
	Detail     map[string]any
}

// defaultBufferSize bounds each subscriber's channel; once full, the
// oldest buffered event is dropped to admit the new one (spec §5: "lossy
// for slow consumers (drop-oldest) to prevent orchestrator backpressure").
const defaultBufferSize = 256

// Bus is a single-producer-friendly, multi-subscriber broadcast channel.
// Publish never blocks on a slow subscriber.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int

	forward []func(Event)
}

// New constructs a Bus. bufferSize <= 0 uses the default.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{subscribers: make(map[int]chan Event), bufferSize: bufferSize}
}

// Subscribe returns a channel of future events and an unsubscribe func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			close(existing)
			delete(b.subscribers, id)
		}
	}
}

// OnPublish registers a synchronous hook invoked for every published event,
// used to wire an external adapter (e.g. NATS) without making it a
// first-class subscriber subject to drop-oldest semantics.
func (b *Bus) OnPublish(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forward = append(b.forward, fn)
}

// Publish broadcasts ev to every current subscriber. If a subscriber's
// channel is full, the oldest buffered event for that subscriber is
// discarded to make room — Publish itself never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	for _, fn := range b.forward {
		fn(ev)
	}
}

// Publisher is the NATS handle the adapter needs; satisfied by
// *nats.Conn. Kept narrow so tests can supply a fake without pulling in a
// live NATS connection.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// natsAdapter forwards bus events onto a NATS subject for the
// observability/dashboard collaborators named out of scope for the
// orchestration core itself (spec.md §1); it is optional and never
// required for the core's own correctness.
type natsAdapter struct {
	conn    Publisher
	subject string
	encode  func(Event) ([]byte, error)
}

// AttachNATS wires bus events to NATS publishes on subject, using encode
// to serialize each Event. Errors from encode/publish are swallowed:
// observability delivery must never affect orchestrator correctness.
func AttachNATS(ctx context.Context, b *Bus, conn Publisher, subject string, encode func(Event) ([]byte, error)) {
	a := &natsAdapter{conn: conn, subject: subject, encode: encode}
	b.OnPublish(func(ev Event) {
		if ctx.Err() != nil {
			return
		}
		data, err := a.encode(ev)
		if err != nil {
			return
		}
		_ = a.conn.Publish(a.subject, data)
	})
}
