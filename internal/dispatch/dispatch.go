// Package dispatch implements the Contract-Net Dispatcher (spec §4.6):
// announce -> collect bids -> award -> notify -> failure recovery. There is
// no direct teacher equivalent (services/orchestrator has no bidding
// protocol); the ranking/award machinery is modeled after the weighted,
// normalized scoring claude-workflow's judge-panel style scoring uses, and
// the announce/await/ack flow follows the teacher's context-and-channel
// idiom used throughout dag_engine.go and cancellation.go.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrEscalationRequired is returned when the ranked list is exhausted and
// max_reannouncements has been reached; the caller must escalate to the
// task's parent or a human approval queue.
var ErrEscalationRequired = errors.New("dispatch: escalation required, no viable agent")

const (
	defaultBidTimeout  = 2 * time.Second
	defaultAckTimeout  = 1 * time.Second
	maxReannouncements = 3
	qualityRelaxFactor = 0.9
)

// Weights are the per-axis award weights; they must sum to 1.
type Weights struct {
	Cost              float64
	Duration          float64
	QualityCommitment float64
	Reliability       float64
}

func defaultWeights() Weights {
	return Weights{Cost: 0.3, Duration: 0.2, QualityCommitment: 0.3, Reliability: 0.2}
}

// Announcement is the broadcast inviting bids for one ready task.
type Announcement struct {
	ID                    uuid.UUID
	TaskID                uuid.UUID
	ParentTaskID          uuid.UUID
	HasParentTask         bool
	RequiredCapabilities  []string
	AvailableBudgetMicros int64
	BidDeadline           time.Time
	ExecutionDeadline     time.Time
	Weights               Weights
	MinQualityThreshold   float64
	AckTimeout            time.Duration
}

func (a Announcement) ackTimeout() time.Duration {
	if a.AckTimeout == 0 {
		return defaultAckTimeout
	}
	return a.AckTimeout
}

// NewAnnouncement builds an Announcement using the spec's default T_bid
// (2s) and T_ack (1s) and default weights (0.3, 0.2, 0.3, 0.2), which
// callers may override afterward.
func NewAnnouncement(taskID uuid.UUID, requiredCapabilities []string, availableBudgetMicros int64, executionDeadline time.Time, minQualityThreshold float64) Announcement {
	now := time.Now()
	return Announcement{
		ID:                    uuid.New(),
		TaskID:                taskID,
		RequiredCapabilities:  requiredCapabilities,
		AvailableBudgetMicros: availableBudgetMicros,
		BidDeadline:           now.Add(defaultBidTimeout),
		ExecutionDeadline:     executionDeadline,
		Weights:               defaultWeights(),
		MinQualityThreshold:   minQualityThreshold,
		AckTimeout:            defaultAckTimeout,
	}
}

// Bid is one agent's offer to execute the announced task.
type Bid struct {
	AgentID           string
	CostMicrosEst     int64
	DurationEst       time.Duration
	QualityCommitment float64
	Reliability       float64
	SubmittedAt       time.Time
}

// Registry answers liveness/eligibility questions about bidding agents.
type Registry interface {
	IsAlive(agentID string) bool
	CircuitOpen(agentID string) bool
	RemainingBudgetMicros(agentID string) int64
}

// Notifier delivers award/reject notifications. Award blocks until the
// agent acks, declines, or ackDeadline passes, returning whether the
// agent accepted the task.
type Notifier interface {
	Award(ctx context.Context, agentID string, ann Announcement, ackDeadline time.Time) bool
	Reject(agentID string, rank int)
}

// BidCollector gathers bids for one announcement until deadline (or ctx
// cancellation), abstracting the broadcast-and-wait step so callers can
// inject a real transport or a deterministic fake in tests.
type BidCollector func(ctx context.Context, ann Announcement) []Bid

// Award is the outcome of a successful dispatch round.
type Award struct {
	AgentID         string
	Rank            int
	Score           float64
	Reannouncements int
}

// Dispatcher drives the contract-net protocol for one task at a time.
type Dispatcher struct {
	registry Registry
	notifier Notifier
}

// New constructs a Dispatcher.
func New(registry Registry, notifier Notifier) *Dispatcher {
	return &Dispatcher{registry: registry, notifier: notifier}
}

// Run executes the full protocol for one announcement: announce (the
// caller is assumed to have already broadcast ann via its own transport),
// collect bids, award, notify, and — on failure — relax and re-announce up
// to max_reannouncements times before requiring escalation.
func (d *Dispatcher) Run(ctx context.Context, ann Announcement, collect BidCollector) (Award, error) {
	return d.run(ctx, ann, collect, 0)
}

func (d *Dispatcher) run(ctx context.Context, ann Announcement, collect BidCollector, reannouncements int) (Award, error) {
	bids := collect(ctx, ann)
	valid := d.filterViable(bids)

	ranked := rank(valid, ann.Weights.orDefault())
	for i, candidate := range ranked {
		if !d.registry.IsAlive(candidate.bid.AgentID) || d.registry.CircuitOpen(candidate.bid.AgentID) {
			continue
		}
		ackDeadline := time.Now().Add(ann.ackTimeout())
		if d.notifier.Award(ctx, candidate.bid.AgentID, ann, ackDeadline) {
			for j, other := range ranked {
				if j != i {
					d.notifier.Reject(other.bid.AgentID, j)
				}
			}
			return Award{
				AgentID:         candidate.bid.AgentID,
				Rank:            i,
				Score:           candidate.score,
				Reannouncements: reannouncements,
			}, nil
		}
		// Winner failed to ack; fall through to the next-ranked bid.
	}

	if reannouncements >= maxReannouncements {
		return Award{}, fmt.Errorf("%w: task %s after %d reannouncements", ErrEscalationRequired, ann.TaskID, reannouncements)
	}

	relaxed := ann
	relaxed.MinQualityThreshold *= qualityRelaxFactor
	return d.run(ctx, relaxed, collect, reannouncements+1)
}

func (d *Dispatcher) filterViable(bids []Bid) []Bid {
	var out []Bid
	for _, b := range bids {
		if !d.registry.IsAlive(b.AgentID) || d.registry.CircuitOpen(b.AgentID) {
			continue
		}
		if d.registry.RemainingBudgetMicros(b.AgentID) < b.CostMicrosEst {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (w Weights) orDefault() Weights {
	if w.Cost == 0 && w.Duration == 0 && w.QualityCommitment == 0 && w.Reliability == 0 {
		return defaultWeights()
	}
	return w
}

type scored struct {
	bid   Bid
	score float64
}

// rank normalizes the unbounded axes (cost, duration) into [0,1] and
// combines them with the already-[0,1] quality-commitment and reliability
// axes taken raw, per the award formula's literal
// w_c*(1-cost_norm) + w_t*(1-duration_norm) + w_q*quality_commitment + w_r*reliability.
// Candidates are ordered descending by score; ties break by earliest
// submitted_at then lexicographic agent_id.
func rank(bids []Bid, w Weights) []scored {
	if len(bids) == 0 {
		return nil
	}

	costs := make([]float64, len(bids))
	durations := make([]float64, len(bids))
	for i, b := range bids {
		costs[i] = float64(b.CostMicrosEst)
		durations[i] = float64(b.DurationEst)
	}
	costNorm := minMaxNormalize(costs)
	durationNorm := minMaxNormalize(durations)

	out := make([]scored, len(bids))
	for i, b := range bids {
		score := w.Cost*(1-costNorm[i]) + w.Duration*(1-durationNorm[i]) + w.QualityCommitment*b.QualityCommitment + w.Reliability*b.Reliability
		out[i] = scored{bid: b, score: score}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if !out[i].bid.SubmittedAt.Equal(out[j].bid.SubmittedAt) {
			return out[i].bid.SubmittedAt.Before(out[j].bid.SubmittedAt)
		}
		return out[i].bid.AgentID < out[j].bid.AgentID
	})
	return out
}

func minMaxNormalize(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(values))
	if max == min {
		for i := range out {
			out[i] = 0
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - min) / (max - min)
	}
	return out
}
