// Package dag implements the Task DAG component (spec §4.4): dependency
// tracking, cycle detection, and the ready/complete/descendants queries the
// Swarm Orchestrator drives its task pipeline from. Adapted from the
// teacher's DAGEngine.buildDAG/executeDAG (services/orchestrator/dag_engine.go),
// generalized from Kahn's-algorithm-inside-one-call to a standing graph
// object that add_task/mark_complete/descendants can query repeatedly.
package dag

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrCycleDetected is returned by Validate when the graph is not a DAG.
var ErrCycleDetected = errors.New("dag: cycle detected")

// ErrUnknownTask is returned by operations referencing an id not in the graph.
var ErrUnknownTask = errors.New("dag: unknown task")

// ErrAlreadySubmitted is returned by add_task/add_dependency once Validate
// has succeeded; the graph is immutable from that point on (spec §4.4).
var ErrAlreadySubmitted = errors.New("dag: graph already submitted")

// TaskStatus mirrors the lifecycle spec.md's Task state machine describes.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Descriptor carries the task-specific fields the router, dispatcher, and
// worker pool consult, per SPEC_FULL.md §3.1.
type Descriptor struct {
	Kind                 string
	RequiredCapabilities []string
	Payload              map[string]any
	QualityMultiplier    float64
	CancelOnFail         bool
	AllowFailure         bool
}

// Task is one DAG node.
type Task struct {
	ID         uuid.UUID
	Descriptor Descriptor
	Status     TaskStatus
}

// Graph is the Task DAG. add_task and add_dependency are only valid before
// Validate succeeds; afterward the graph is immutable and every query takes
// the read lock for the whole traversal so no caller observes a
// partially-mutated graph.
type Graph struct {
	mu sync.RWMutex

	submitted bool

	nodes     map[uuid.UUID]*Task
	order     []uuid.UUID // insertion order, for deterministic iteration
	forward   map[uuid.UUID][]uuid.UUID
	reverse   map[uuid.UUID][]uuid.UUID
	inDegree  map[uuid.UUID]int
	completed map[uuid.UUID]bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:     make(map[uuid.UUID]*Task),
		forward:   make(map[uuid.UUID][]uuid.UUID),
		reverse:   make(map[uuid.UUID][]uuid.UUID),
		inDegree:  make(map[uuid.UUID]int),
		completed: make(map[uuid.UUID]bool),
	}
}

// AddTask implements add_task: registers a new node, valid only before
// submission.
func (g *Graph) AddTask(desc Descriptor) (uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitted {
		return uuid.Nil, ErrAlreadySubmitted
	}
	id := uuid.New()
	g.nodes[id] = &Task{ID: id, Descriptor: desc, Status: StatusPending}
	g.order = append(g.order, id)
	g.inDegree[id] = 0
	return id, nil
}

// AddDependency implements add_dependency: from must complete before to may
// run. Rejects unknown nodes; valid only before submission.
func (g *Graph) AddDependency(from, to uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitted {
		return ErrAlreadySubmitted
	}
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, to)
	}
	g.forward[from] = append(g.forward[from], to)
	g.reverse[to] = append(g.reverse[to], from)
	g.inDegree[to]++
	return nil
}

type color int

const (
	white color = iota
	gray
	black
)

// Validate implements validate: DFS three-coloring cycle detection. Runs
// once at submission; the graph becomes immutable on success.
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	colors := make(map[uuid.UUID]color, len(g.nodes))
	for _, id := range g.order {
		colors[id] = white
	}

	var visit func(id uuid.UUID) error
	visit = func(id uuid.UUID) error {
		colors[id] = gray
		for _, next := range g.forward[id] {
			switch colors[next] {
			case gray:
				return fmt.Errorf("%w: via %s", ErrCycleDetected, next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		colors[id] = black
		return nil
	}

	for _, id := range g.order {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}

	g.submitted = true
	return nil
}

// ReadyTasks implements ready_tasks: every pending task whose in-degree is
// currently zero.
func (g *Graph) ReadyTasks() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []Task
	for _, id := range g.order {
		t := g.nodes[id]
		if t.Status == StatusPending && g.inDegree[id] == 0 {
			ready = append(ready, *t)
		}
	}
	return ready
}

// MarkComplete implements mark_complete: asserts predecessors are satisfied,
// records completion, decrements forward neighbors' in-degree, and returns
// the neighbors that just became ready.
func (g *Graph) MarkComplete(id uuid.UUID) ([]Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if g.completed[id] {
		return nil, nil
	}
	for _, pred := range g.reverse[id] {
		if !g.completed[pred] {
			return nil, fmt.Errorf("dag: predecessor %s of %s not completed", pred, id)
		}
	}

	t.Status = StatusCompleted
	g.completed[id] = true

	var newlyReady []Task
	for _, next := range g.forward[id] {
		g.inDegree[next]--
		if g.inDegree[next] == 0 && g.nodes[next].Status == StatusPending {
			newlyReady = append(newlyReady, *g.nodes[next])
		}
	}
	return newlyReady, nil
}

// Descendants implements descendants: forward transitive closure via BFS,
// used for cascading cancellation.
func (g *Graph) Descendants(id uuid.UUID) ([]uuid.UUID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	seen := map[uuid.UUID]bool{id: true}
	queue := append([]uuid.UUID(nil), g.forward[id]...)
	var out []uuid.UUID
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.forward[next]...)
	}
	return out, nil
}

// IsComplete implements is_complete: |completed| == |nodes|.
func (g *Graph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.completed) == len(g.nodes)
}

// SetStatus lets callers (the orchestrator) record transient states like
// running/failed/cancelled that mark_complete does not itself model.
func (g *Graph) SetStatus(id uuid.UUID, status TaskStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.Status = status
	return nil
}

// Get returns a copy of one task's current state.
func (g *Graph) Get(id uuid.UUID) (Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.nodes[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return *t, nil
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
