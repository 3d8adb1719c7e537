// Package swarm implements the Swarm Orchestrator (spec §4.8): the glue
// that owns active DAGs, drives the DAG-to-queue pipeline, spawns agents
// under the contract tree, and emits observable events. Grounded on
// services/orchestrator/scheduler.go's cron/event-triggered workflow
// execution, generalized from "run one named workflow" to "submit a fresh
// DAG instance from a template."
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/swarmguard/agentswarm/internal/contract"
	"github.com/swarmguard/agentswarm/internal/dag"
	"github.com/swarmguard/agentswarm/internal/eventbus"
	"github.com/swarmguard/agentswarm/internal/queue"
	"github.com/swarmguard/agentswarm/internal/router"
)

// ErrUnknownTask is returned when a queue task id has no tracked DAG
// association (already completed, cancelled, or never submitted here).
var ErrUnknownTask = errors.New("swarm: unknown queued task")

// ErrUnknownDag is returned when a dag id has no active tracking entry.
var ErrUnknownDag = errors.New("swarm: unknown dag")

const maxRetryBackoff = 32 * time.Second

// RetryPolicy governs on_task_failed's retry-vs-fail decision (spec §4.8).
type RetryPolicy struct {
	MaxAttempts int
}

func (r RetryPolicy) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

// backoff implements delay = min(32s, 2^(attempt-1) seconds).
func backoff(attempt int) time.Duration {
	d := time.Duration(1) << uint(attempt-1) * time.Second
	if d > maxRetryBackoff || d <= 0 {
		return maxRetryBackoff
	}
	return d
}

// IsRetryable classifies an error the way spec §4.8 describes: timeout,
// transient provider error, or lease loss.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		return true
	}
	var perr *router.ProviderError
	if errors.As(err, &perr) && perr.Retryable {
		return true
	}
	return false
}

type taskRef struct {
	dagID  uuid.UUID
	taskID uuid.UUID
}

type dagState struct {
	graph       *dag.Graph
	attempts    map[uuid.UUID]int
	queueByTask map[uuid.UUID]uuid.UUID // dag task id -> current queue task id
}

// taskPayload is what Orchestrator stores in each queue.Task's Payload so
// a worker pulling via queue.Claim can recover which DAG/task/descriptor it
// is executing.
type taskPayload struct {
	DagID      uuid.UUID      `json:"dag_id"`
	TaskID     uuid.UUID      `json:"task_id"`
	Descriptor dag.Descriptor `json:"descriptor"`
}

// Orchestrator wires the Task DAG, Durable Queue, and event bus together
// per spec §4.8.
type Orchestrator struct {
	mu sync.Mutex

	dags     map[uuid.UUID]*dagState
	taskRefs map[uuid.UUID]taskRef // queue task id -> (dag id, dag task id)

	queue     *queue.Queue
	events    *eventbus.Bus
	contracts *contract.Manager
	retry     RetryPolicy

	cron *cron.Cron
}

// New constructs an Orchestrator over the given Durable Queue, event bus,
// and contract manager.
func New(q *queue.Queue, events *eventbus.Bus, contracts *contract.Manager, retry RetryPolicy) *Orchestrator {
	return &Orchestrator{
		dags:      make(map[uuid.UUID]*dagState),
		taskRefs:  make(map[uuid.UUID]taskRef),
		queue:     q,
		events:    events,
		contracts: contracts,
		retry:     retry,
		cron:      cron.New(cron.WithSeconds()),
	}
}

// SubmitDag implements submit_dag: validates, persists, enqueues the
// initial ready tasks, and begins tracking.
func (o *Orchestrator) SubmitDag(g *dag.Graph) (uuid.UUID, error) {
	if err := g.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("submit dag: %w", err)
	}

	dagID := uuid.New()
	ds := &dagState{
		graph:       g,
		attempts:    make(map[uuid.UUID]int),
		queueByTask: make(map[uuid.UUID]uuid.UUID),
	}

	o.mu.Lock()
	o.dags[dagID] = ds
	o.mu.Unlock()

	o.enqueueReady(dagID, ds, g.ReadyTasks())
	o.publish(eventbus.Event{Kind: eventbus.KindDagSubmitted, DagID: dagID})
	return dagID, nil
}

func (o *Orchestrator) enqueueReady(dagID uuid.UUID, ds *dagState, ready []dag.Task) {
	for _, t := range ready {
		o.enqueueTask(dagID, ds, t, time.Time{})
	}
}

func (o *Orchestrator) enqueueTask(dagID uuid.UUID, ds *dagState, t dag.Task, scheduledFor time.Time) {
	payload, _ := json.Marshal(taskPayload{DagID: dagID, TaskID: t.ID, Descriptor: t.Descriptor})
	queueTaskID := o.queue.Enqueue(0, scheduledFor, payload)

	o.mu.Lock()
	ds.queueByTask[t.ID] = queueTaskID
	o.taskRefs[queueTaskID] = taskRef{dagID: dagID, taskID: t.ID}
	o.mu.Unlock()

	o.publish(eventbus.Event{Kind: eventbus.KindTaskQueued, DagID: dagID, TaskID: t.ID})
}

// SpawnAgent implements spawn_agent: validates the conservation law via
// internal/contract's CreateChild and returns the resulting contract id as
// the agent id. Handing the agent to the worker pool is the caller's
// responsibility (this package does not import internal/workerpool to
// keep the dependency direction one-way: workerpool knows nothing about
// DAGs, and swarm decides when to call it).
func (o *Orchestrator) SpawnAgent(parentContractID uuid.UUID, hasParent bool, requested contract.Limits, deadline time.Time) (uuid.UUID, error) {
	if !hasParent {
		c := o.contracts.CreateRoot(requested, deadline)
		return c.ID, nil
	}
	c, err := o.contracts.CreateChild(parentContractID, requested, deadline)
	if err != nil {
		return uuid.Nil, fmt.Errorf("spawn agent: %w", err)
	}
	return c.ID, nil
}

// OnTaskComplete implements on_task_complete: marks the queue entry and
// DAG node complete, enqueues newly ready tasks, and emits events.
func (o *Orchestrator) OnTaskComplete(queueTaskID, leaseToken uuid.UUID, result []byte) error {
	ref, ok := o.lookupRef(queueTaskID)
	if !ok {
		return ErrUnknownTask
	}

	if err := o.queue.Complete(queueTaskID, leaseToken, true, result); err != nil {
		return err // ErrLeaseLost: a late/duplicate completion, discarded
	}

	ds, ok := o.getDag(ref.dagID)
	if !ok {
		return ErrUnknownDag
	}

	newlyReady, err := ds.graph.MarkComplete(ref.taskID)
	if err != nil {
		return fmt.Errorf("on task complete: %w", err)
	}

	o.mu.Lock()
	delete(o.taskRefs, queueTaskID)
	delete(ds.queueByTask, ref.taskID)
	o.mu.Unlock()

	o.publish(eventbus.Event{Kind: eventbus.KindTaskCompleted, DagID: ref.dagID, TaskID: ref.taskID})
	o.enqueueReady(ref.dagID, ds, newlyReady)

	if ds.graph.IsComplete() {
		o.publish(eventbus.Event{Kind: eventbus.KindDagComplete, DagID: ref.dagID})
		o.mu.Lock()
		delete(o.dags, ref.dagID)
		o.mu.Unlock()
	}
	return nil
}

// OnTaskFailed implements on_task_failed: retries with exponential backoff
// when the error is retryable and attempts remain, otherwise marks the
// task failed and cascades cancellation to its descendants if the task
// descriptor requests it.
func (o *Orchestrator) OnTaskFailed(queueTaskID, leaseToken uuid.UUID, taskErr error) error {
	ref, ok := o.lookupRef(queueTaskID)
	if !ok {
		return ErrUnknownTask
	}
	_ = o.queue.Complete(queueTaskID, leaseToken, false, nil)

	ds, ok := o.getDag(ref.dagID)
	if !ok {
		return ErrUnknownDag
	}

	o.mu.Lock()
	ds.attempts[ref.taskID]++
	attempt := ds.attempts[ref.taskID]
	delete(o.taskRefs, queueTaskID)
	delete(ds.queueByTask, ref.taskID)
	o.mu.Unlock()

	o.publish(eventbus.Event{Kind: eventbus.KindTaskFailed, DagID: ref.dagID, TaskID: ref.taskID})

	if attempt < o.retry.maxAttempts() && IsRetryable(taskErr) {
		t, err := ds.graph.Get(ref.taskID)
		if err != nil {
			return err
		}
		delay := backoff(attempt)
		o.enqueueTask(ref.dagID, ds, t, time.Now().Add(delay))
		return nil
	}

	task, err := ds.graph.Get(ref.taskID)
	if err != nil {
		return err
	}
	if err := ds.graph.SetStatus(ref.taskID, dag.StatusFailed); err != nil {
		return err
	}

	if task.Descriptor.CancelOnFail {
		return o.cancelDescendants(ref.dagID, ds, ref.taskID)
	}
	return nil
}

// CancelTask implements cancel_task: signals cooperative cancellation of
// the task and, per §4.4, its descendants. Cancellation is idempotent.
func (o *Orchestrator) CancelTask(queueTaskID uuid.UUID) error {
	ref, ok := o.lookupRef(queueTaskID)
	if !ok {
		return ErrUnknownTask
	}
	ds, ok := o.getDag(ref.dagID)
	if !ok {
		return ErrUnknownDag
	}
	if err := ds.graph.SetStatus(ref.taskID, dag.StatusCancelled); err != nil {
		return err
	}
	return o.cancelDescendants(ref.dagID, ds, ref.taskID)
}

func (o *Orchestrator) cancelDescendants(dagID uuid.UUID, ds *dagState, taskID uuid.UUID) error {
	descendants, err := ds.graph.Descendants(taskID)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		current, err := ds.graph.Get(d)
		if err != nil {
			continue
		}
		if current.Status == dag.StatusCompleted || current.Status == dag.StatusCancelled {
			continue
		}
		_ = ds.graph.SetStatus(d, dag.StatusCancelled)

		o.mu.Lock()
		if qid, ok := ds.queueByTask[d]; ok {
			delete(o.taskRefs, qid)
			delete(ds.queueByTask, d)
		}
		o.mu.Unlock()

		o.publish(eventbus.Event{Kind: eventbus.KindTaskFailed, DagID: dagID, TaskID: d, Detail: map[string]any{"reason": "cancelled"}})
	}
	return nil
}

func (o *Orchestrator) lookupRef(queueTaskID uuid.UUID) (taskRef, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ref, ok := o.taskRefs[queueTaskID]
	return ref, ok
}

func (o *Orchestrator) getDag(dagID uuid.UUID) (*dagState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ds, ok := o.dags[dagID]
	return ds, ok
}

func (o *Orchestrator) publish(ev eventbus.Event) {
	if o.events != nil {
		o.events.Publish(ev)
	}
}

// DAGTemplate is a stored DAG blueprint plus a cron trigger, generalizing
// the teacher's ScheduleConfig (SPEC_FULL.md §4.8.1): firing builds a
// fresh graph from Build and submits it as an independent submit_dag call.
type DAGTemplate struct {
	Name     string
	CronExpr string
	Build    func() *dag.Graph
}

// RegisterCronTemplate schedules tpl.Build/SubmitDag to run on tpl.CronExpr.
func (o *Orchestrator) RegisterCronTemplate(tpl DAGTemplate) (cron.EntryID, error) {
	return o.cron.AddFunc(tpl.CronExpr, func() {
		g := tpl.Build()
		_, _ = o.SubmitDag(g)
	})
}

// StartCron begins firing registered DAGTemplates.
func (o *Orchestrator) StartCron() { o.cron.Start() }

// StopCron stops the cron scheduler, waiting for in-flight jobs up to
// ctx's deadline.
func (o *Orchestrator) StopCron(ctx context.Context) error {
	stopCtx := o.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
