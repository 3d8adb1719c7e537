// Command orchestrator boots the swarm orchestration core: contract
// manager, circuit breakers, model router, task DAG store, durable queue,
// contract-net dispatcher, worker pool, and the event bus, wired together
// by internal/swarm. Grounded on services/orchestrator/main.go's bootstrap
// shape (logging.Init, signal.NotifyContext, otelinit tracer/metrics,
// http.ServeMux, graceful shutdown).
//
// The REST surface here is intentionally thin: the orchestrator's contract
// with the outside world (dashboards, the real agent worker runtime that
// invokes LLM/tool APIs, persistence backends) is specified only at its
// interface boundary, not as a normative wire protocol, so this binary
// exposes just enough HTTP to submit DAGs, spawn agents, and cancel tasks
// for local operation and the seed scenarios.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/agentswarm/internal/breaker"
	"github.com/swarmguard/agentswarm/internal/contract"
	"github.com/swarmguard/agentswarm/internal/dag"
	"github.com/swarmguard/agentswarm/internal/dispatch"
	"github.com/swarmguard/agentswarm/internal/eventbus"
	"github.com/swarmguard/agentswarm/internal/logging"
	"github.com/swarmguard/agentswarm/internal/queue"
	"github.com/swarmguard/agentswarm/internal/ratelimit"
	"github.com/swarmguard/agentswarm/internal/router"
	"github.com/swarmguard/agentswarm/internal/swarm"
	"github.com/swarmguard/agentswarm/internal/telemetry"
	"github.com/swarmguard/agentswarm/internal/workerpool"
)

const service = "orchestrator"

func main() {
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics := telemetry.InitMetrics(ctx, service)

	queuePath := getEnvDefault("SWARM_QUEUE_PATH", "swarm-queue.db")
	q, err := queue.Open(queuePath)
	if err != nil {
		slog.Error("open queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	contractStorePath := getEnvDefault("SWARM_CONTRACT_STORE_PATH", "swarm-contracts.db")
	store, err := contract.OpenBoltStore(contractStorePath)
	if err != nil {
		slog.Error("open contract store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	contracts := contract.NewManager()
	contracts.OnPersist(store.Persist)

	breakers := breaker.NewManager(nil)

	events := eventbus.New(256)
	events.OnPublish(func(ev eventbus.Event) {
		slog.Info("event", "kind", ev.Kind, "dag_id", ev.DagID, "task_id", ev.TaskID)
	})

	rootContractID, err := bootstrapRootContract(contracts)
	if err != nil {
		slog.Error("bootstrap root contract", "error", err)
		os.Exit(1)
	}

	modelLimits := ratelimit.NewRegistry(20, 5, time.Minute, 60)
	rtr := router.New(defaultTiers(), contracts, router.DefaultScorer{}, nil, modelLimits)

	pool := workerpool.New(workerpool.Config{}, func(agentID string) {
		slog.Warn("worker declared dead", "agent_id", agentID)
	})

	orch := swarm.New(q, events, contracts, swarm.RetryPolicy{MaxAttempts: 3})

	disp := dispatch.New(
		&localRegistry{breakers: breakers, contracts: contracts, agentContractID: rootContractID},
		&localNotifier{},
	)

	runner := &localAgentRunner{
		agentID:         "agent-local",
		agentContractID: rootContractID,
		breakers:        breakers,
		router:          rtr,
		provider:        &echoProvider{},
		pool:            pool,
		dispatcher:      disp,
	}

	stopClaimLoop := runner.startClaimLoop(ctx, q, orch)
	defer stopClaimLoop()

	mux := newMux(orch, contracts)
	srv := &http.Server{Addr: getEnvDefault("SWARM_LISTEN_ADDR", ":8080"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("orchestrator started", "addr", srv.Addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	ctxSd, cancelSd := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSd()

	_ = srv.Shutdown(ctxSd)
	summary := pool.ShutdownGraceful(10 * time.Second)
	slog.Info("worker pool drained", "still_running", summary.StillRunning)
	telemetry.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func bootstrapRootContract(mgr *contract.Manager) (uuid.UUID, error) {
	limits := contract.Limits{
		InputTokens:      1_000_000_000,
		OutputTokens:     1_000_000_000,
		TotalTokenBudget: 2_000_000_000,
		CostMicros:       1_000_000_000_000,
		LLMCalls:         1_000_000,
		ExternalAPICalls: 1_000_000,
		ToolCalls:        1_000_000,
		CPUTimeMs:        1_000_000_000,
		MemoryBytes:      1 << 40,
		WallTime:         24 * time.Hour,
	}
	root := mgr.CreateRoot(limits, time.Now().Add(24*time.Hour))
	return root.ID, nil
}

// defaultTiers wires a minimal cheap-to-expensive cascade; a real
// deployment would load this from model-catalog configuration.
func defaultTiers() []router.Tier {
	return []router.Tier{
		{
			Threshold: 0.55,
			Models: []router.ModelDescriptor{
				{ID: "tier0-small", Provider: "local", PricePerInputToken: 1, PricePerOutputToken: 2, MaxTokens: 4096, Capabilities: map[string]bool{}},
			},
		},
		{
			Threshold: 0.8,
			Models: []router.ModelDescriptor{
				{ID: "tier1-large", Provider: "local", PricePerInputToken: 20, PricePerOutputToken: 40, MaxTokens: 32768, Capabilities: map[string]bool{}},
			},
		},
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// --- HTTP surface -----------------------------------------------------

type taskSpec struct {
	ID                   string   `json:"id"`
	Kind                 string   `json:"kind"`
	DependsOn            []string `json:"depends_on"`
	RequiredCapabilities []string `json:"required_capabilities"`
	CancelOnFail         bool     `json:"cancel_on_fail"`
	AllowFailure         bool     `json:"allow_failure"`
}

type dagSpec struct {
	Tasks []taskSpec `json:"tasks"`
}

type spawnAgentRequest struct {
	ParentContractID string          `json:"parent_contract_id"`
	HasParent        bool            `json:"has_parent"`
	Limits           contract.Limits `json:"limits"`
	DeadlineUnix     int64           `json:"deadline_unix"`
}

func newMux(orch *swarm.Orchestrator, contracts *contract.Manager) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/dags", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var spec dagSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		g, err := buildGraph(spec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dagID, err := orch.SubmitDag(g)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"dag_id": dagID.String()})
	})

	mux.HandleFunc("/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req spawnAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var parentID uuid.UUID
		if req.HasParent {
			pid, err := uuid.Parse(req.ParentContractID)
			if err != nil {
				http.Error(w, "invalid parent_contract_id", http.StatusBadRequest)
				return
			}
			parentID = pid
		}
		deadline := time.Time{}
		if req.DeadlineUnix > 0 {
			deadline = time.Unix(req.DeadlineUnix, 0)
		}
		agentID, err := orch.SpawnAgent(parentID, req.HasParent, req.Limits, deadline)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": agentID.String()})
	})

	mux.HandleFunc("/v1/tasks/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		taskID, err := uuid.Parse(r.URL.Query().Get("task_id"))
		if err != nil {
			http.Error(w, "invalid task_id", http.StatusBadRequest)
			return
		}
		if err := orch.CancelTask(taskID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func buildGraph(spec dagSpec) (*dag.Graph, error) {
	g := dag.New()
	ids := make(map[string]uuid.UUID, len(spec.Tasks))
	for _, t := range spec.Tasks {
		id, err := g.AddTask(dag.Descriptor{
			Kind:                 t.Kind,
			RequiredCapabilities: t.RequiredCapabilities,
			CancelOnFail:         t.CancelOnFail,
			AllowFailure:         t.AllowFailure,
		})
		if err != nil {
			return nil, err
		}
		ids[t.ID] = id
	}
	for _, t := range spec.Tasks {
		for _, dep := range t.DependsOn {
			depID, ok := ids[dep]
			if !ok {
				return nil, fmt.Errorf("unknown dependency %q for task %q", dep, t.ID)
			}
			if err := g.AddDependency(depID, ids[t.ID]); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// --- local single-process agent runtime --------------------------------
//
// The real agent worker runtime that invokes LLM/tool APIs is an external
// collaborator specified only at its interface boundary. What follows is a
// placeholder runner in the spirit of the teacher's ScriptTaskExecutor and
// PolicyTaskExecutor stubs: enough to exercise the dispatcher, breaker,
// router, and worker pool end to end without a live model backend.

type localRegistry struct {
	breakers        *breaker.Manager
	contracts       *contract.Manager
	agentContractID uuid.UUID
}

func (l *localRegistry) IsAlive(agentID string) bool { return true }

func (l *localRegistry) CircuitOpen(agentID string) bool {
	return l.breakers.CanExecute(agentID) != nil
}

func (l *localRegistry) RemainingBudgetMicros(agentID string) int64 {
	remaining, err := l.contracts.Remaining(l.agentContractID)
	if err != nil {
		return 0
	}
	return remaining.CostMicros
}

type localNotifier struct{}

func (l *localNotifier) Award(ctx context.Context, agentID string, ann dispatch.Announcement, ackDeadline time.Time) bool {
	return true
}

func (l *localNotifier) Reject(agentID string, rank int) {}

// echoProvider is a deterministic stand-in for a real model backend: it
// echoes the prompt back as the completion. Analogous to the teacher's
// ScriptTaskExecutor ("script execution not implemented") placeholder.
type echoProvider struct{}

func (echoProvider) Invoke(ctx context.Context, model router.ModelDescriptor, req router.Request) (router.Response, error) {
	confidence := 0.75
	return router.Response{
		Output:       req.Prompt,
		InputTokens:  int64(len(req.Prompt)),
		OutputTokens: int64(len(req.Prompt)),
		FinishReason: router.FinishStop,
		Confidence:   &confidence,
	}, nil
}

type localAgentRunner struct {
	agentID         string
	agentContractID uuid.UUID
	breakers        *breaker.Manager
	router          *router.Router
	provider        router.Provider
	pool            *workerpool.Pool
	dispatcher      *dispatch.Dispatcher
}

const claimPollInterval = 200 * time.Millisecond

// startClaimLoop polls the durable queue for claimable tasks and runs each
// one through dispatch -> breaker -> router -> worker pool, reporting the
// outcome back to the orchestrator. Returns a stop func for shutdown.
func (r *localAgentRunner) startClaimLoop(ctx context.Context, q *queue.Queue, orch *swarm.Orchestrator) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(claimPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task, ok := q.Claim(r.agentID, 30*time.Second)
				if !ok {
					continue
				}
				r.runTask(ctx, orch, task)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (r *localAgentRunner) runTask(ctx context.Context, orch *swarm.Orchestrator, task *queue.Task) {
	ann := dispatch.NewAnnouncement(task.ID, nil, 1000, time.Now().Add(time.Minute), 0.5)
	collect := func(ctx context.Context, ann dispatch.Announcement) []dispatch.Bid {
		return []dispatch.Bid{{
			AgentID:           r.agentID,
			CostMicrosEst:     100,
			DurationEst:       time.Second,
			QualityCommitment: 0.8,
			Reliability:       0.9,
			SubmittedAt:       time.Now(),
		}}
	}

	if _, err := r.dispatcher.Run(ctx, ann, collect); err != nil {
		_ = orch.OnTaskFailed(task.ID, task.LeaseToken, err)
		return
	}

	handle, err := r.pool.Submit(ctx, r.agentID, 30*time.Second, func(ctx context.Context) (any, error) {
		if err := r.breakers.CanExecute(r.agentID); err != nil {
			return nil, err
		}
		req := router.Request{Prompt: string(task.Payload)}
		resp, _, err := r.router.Route(ctx, r.agentContractID, r.provider, req, router.TaskDescriptor{})
		r.breakers.For(r.agentID).RecordResult(err == nil, resp.Output)
		if err != nil {
			return nil, err
		}
		return []byte(resp.Output), nil
	})
	if err != nil {
		_ = orch.OnTaskFailed(task.ID, task.LeaseToken, err)
		return
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		_ = orch.OnTaskFailed(task.ID, task.LeaseToken, err)
		return
	}
	if result.Err != nil {
		_ = orch.OnTaskFailed(task.ID, task.LeaseToken, result.Err)
		return
	}

	out, _ := result.Value.([]byte)
	_ = orch.OnTaskComplete(task.ID, task.LeaseToken, out)
}
