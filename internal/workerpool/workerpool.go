// Package workerpool implements the Worker Pool component (spec §4.7):
// bounded-concurrency execution of agent tasks with deadline enforcement,
// cooperative cancellation, and heartbeat-based dead-worker detection.
// Grounded on services/orchestrator/dag_engine.go's worker-goroutine loop
// (ready channel -> worker -> results channel) and cancellation.go's
// CancellationManager (registry of cancel funcs keyed by id, with a
// periodic sweep). The channel-based admission queue is replaced with
// golang.org/x/sync/semaphore's weighted semaphore per SPEC_FULL.md's
// domain-stack wiring, since the teacher's own worker count was a fixed
// goroutine pool rather than a counted admission gate.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Submit once shutdown has begun.
var ErrPoolClosed = errors.New("workerpool: pool is shut down")

// ErrUnknownAgent is returned by Cancel/Heartbeat for an id with no active run.
var ErrUnknownAgent = errors.New("workerpool: unknown agent")

const defaultCancelGrace = 5 * time.Second

// Task is the unit of work handed to a worker. Run must return promptly
// after ctx is cancelled; any result produced after cancellation is
// discarded by the pool.
type Task func(ctx context.Context) (any, error)

// Handle is returned by Submit; Wait returns once the task has finished
// (successfully, with an error, or via cancellation).
type Handle struct {
	AgentID string
	done    chan Result
}

// Wait blocks until the task completes or ctx is done.
func (h Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-h.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result carries a finished task's outcome.
type Result struct {
	Value     any
	Err       error
	Cancelled bool
}

// Config configures pool limits. Zero-value fields fall back to spec
// defaults.
type Config struct {
	MaxWorkers        int64
	QueueBuffer       int
	ShutdownTimeout   time.Duration
	HealthCheckPeriod time.Duration
	HeartbeatTimeout  time.Duration
	CancelGrace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 1024
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = 5 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 20 * time.Second
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = defaultCancelGrace
	}
	return c
}

type activeWorker struct {
	agentID       string
	cancel        context.CancelFunc
	lastHeartbeat time.Time
	deadline      time.Time
}

// Pool admits at most Config.MaxWorkers concurrent task executions via a
// weighted semaphore, enforces a per-task deadline, and declares a worker
// dead (cancelling it) if its heartbeat goes stale.
type Pool struct {
	cfg Config
	sem *semaphore.Weighted

	mu      sync.Mutex
	active  map[string]*activeWorker
	closing bool
	wg      sync.WaitGroup

	deadWorkers metric.Int64Counter
	onDead      func(agentID string)

	stopHealth chan struct{}
}

// New constructs a Pool and starts its health-check loop. onDead, if
// non-nil, is invoked (outside any internal lock) whenever a worker is
// declared dead, so callers can drop the worker's lease for the queue
// sweeper to requeue.
func New(cfg Config, onDead func(agentID string)) *Pool {
	cfg = cfg.withDefaults()
	meter := otel.GetMeterProvider().Meter("agentswarm")
	deadCounter, _ := meter.Int64Counter("agentswarm_workerpool_dead_workers_total")

	p := &Pool{
		cfg:         cfg,
		sem:         semaphore.NewWeighted(cfg.MaxWorkers),
		active:      make(map[string]*activeWorker),
		deadWorkers: deadCounter,
		onDead:      onDead,
		stopHealth:  make(chan struct{}),
	}
	go p.healthLoop()
	return p
}

// Submit implements submit(agent_id, contract) -> Handle: queues the task
// for execution under bounded concurrency, blocking the caller (no silent
// drop) if the pool is saturated. maxDuration is the task's enforced
// deadline (contract.temporal_bounds.max_duration).
func (p *Pool) Submit(ctx context.Context, agentID string, maxDuration time.Duration, task Task) (Handle, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return Handle{}, ErrPoolClosed
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Handle{}, fmt.Errorf("workerpool: acquire: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, maxDuration)
	w := &activeWorker{
		agentID:       agentID,
		cancel:        cancel,
		lastHeartbeat: time.Now(),
		deadline:      time.Now().Add(maxDuration),
	}

	p.mu.Lock()
	p.active[agentID] = w
	p.mu.Unlock()

	h := Handle{AgentID: agentID, done: make(chan Result, 1)}
	p.wg.Add(1)
	go p.run(runCtx, cancel, w, task, h)
	return h, nil
}

func (p *Pool) run(ctx context.Context, cancel context.CancelFunc, w *activeWorker, task Task, h Handle) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer cancel()
	defer func() {
		p.mu.Lock()
		delete(p.active, w.agentID)
		p.mu.Unlock()
	}()

	value, err := task(ctx)

	result := Result{Value: value, Err: err}
	if ctx.Err() != nil {
		result.Cancelled = true
		result.Value = nil
		result.Err = ctx.Err()
	}
	h.done <- result
}

// Heartbeat records liveness for an in-flight worker so the health loop
// does not declare it dead.
func (p *Pool) Heartbeat(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.active[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	w.lastHeartbeat = time.Now()
	return nil
}

// Cancel implements cancel(agent_id): signals cooperative cancellation.
// The worker is expected to observe ctx.Done promptly; the pool does not
// force-terminate a worker that ignores it (Config.CancelGrace is not
// enforced). This method does not itself wait — callers that need to know
// completion should Wait on the Handle returned by Submit.
func (p *Pool) Cancel(agentID string) error {
	p.mu.Lock()
	w, ok := p.active[agentID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	w.cancel()
	return nil
}

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.sweepDeadWorkers()
		}
	}
}

func (p *Pool) sweepDeadWorkers() {
	now := time.Now()
	var dead []string

	p.mu.Lock()
	for id, w := range p.active {
		if now.Sub(w.lastHeartbeat) > p.cfg.HeartbeatTimeout {
			w.cancel()
			dead = append(dead, id)
		}
	}
	p.mu.Unlock()

	for _, id := range dead {
		if p.deadWorkers != nil {
			p.deadWorkers.Add(context.Background(), 1)
		}
		if p.onDead != nil {
			p.onDead(id)
		}
	}
}

// ShutdownSummary reports the outcome of a graceful shutdown.
type ShutdownSummary struct {
	StillRunning int
	Completed    bool
}

// ShutdownGraceful implements shutdown_graceful(timeout): stops accepting
// new work and waits for in-flight workers up to timeout.
func (p *Pool) ShutdownGraceful(timeout time.Duration) ShutdownSummary {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	close(p.stopHealth)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return ShutdownSummary{StillRunning: 0, Completed: true}
	case <-time.After(timeout):
		p.mu.Lock()
		remaining := len(p.active)
		p.mu.Unlock()
		return ShutdownSummary{StillRunning: remaining, Completed: false}
	}
}

// ActiveCount returns the number of currently running workers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
