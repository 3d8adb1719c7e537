package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeRegistry struct {
	dead        map[string]bool
	circuitOpen map[string]bool
	budget      map[string]int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		dead:        map[string]bool{},
		circuitOpen: map[string]bool{},
		budget:      map[string]int64{},
	}
}

func (f *fakeRegistry) IsAlive(agentID string) bool     { return !f.dead[agentID] }
func (f *fakeRegistry) CircuitOpen(agentID string) bool { return f.circuitOpen[agentID] }
func (f *fakeRegistry) RemainingBudgetMicros(agentID string) int64 {
	if v, ok := f.budget[agentID]; ok {
		return v
	}
	return 1_000_000
}

type fakeNotifier struct {
	decline  map[string]bool
	awarded  []string
	rejected map[string]int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{decline: map[string]bool{}, rejected: map[string]int{}}
}

func (f *fakeNotifier) Award(ctx context.Context, agentID string, ann Announcement, ackDeadline time.Time) bool {
	f.awarded = append(f.awarded, agentID)
	return !f.decline[agentID]
}

func (f *fakeNotifier) Reject(agentID string, rank int) {
	f.rejected[agentID] = rank
}

func bidsCollector(bids []Bid) BidCollector {
	return func(ctx context.Context, ann Announcement) []Bid { return bids }
}

func TestAwardsHighestScoringBid(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()
	d := New(reg, notifier)

	bids := []Bid{
		{AgentID: "agent-cheap", CostMicrosEst: 10, DurationEst: time.Second, QualityCommitment: 0.6, Reliability: 0.6, SubmittedAt: time.Now()},
		{AgentID: "agent-best", CostMicrosEst: 20, DurationEst: time.Second, QualityCommitment: 0.95, Reliability: 0.95, SubmittedAt: time.Now()},
	}
	ann := NewAnnouncement(uuid.New(), nil, 1000, time.Now().Add(time.Minute), 0.5)

	award, err := d.Run(context.Background(), ann, bidsCollector(bids))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// cost norm is 0 vs 1 across the two bids, so agent-cheap scores
	// 0.3+0.2+0.3*0.6+0.2*0.6 = 0.8 against agent-best's 0.2+0.3*0.95+0.2*0.95 = 0.675.
	if award.AgentID != "agent-cheap" {
		t.Fatalf("expected agent-cheap to win on cost, got %v", award.AgentID)
	}
	if notifier.rejected["agent-best"] != 1 {
		t.Fatalf("expected runner-up rejected at rank 1, got %v", notifier.rejected)
	}
}

func TestFallsThroughToNextBidOnAckTimeout(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()
	notifier.decline["agent-best"] = true
	d := New(reg, notifier)

	bids := []Bid{
		{AgentID: "agent-best", CostMicrosEst: 10, DurationEst: time.Second, QualityCommitment: 0.95, Reliability: 0.95, SubmittedAt: time.Now()},
		{AgentID: "agent-ok", CostMicrosEst: 10, DurationEst: time.Second, QualityCommitment: 0.6, Reliability: 0.6, SubmittedAt: time.Now()},
	}
	ann := NewAnnouncement(uuid.New(), nil, 1000, time.Now().Add(time.Minute), 0.5)

	award, err := d.Run(context.Background(), ann, bidsCollector(bids))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if award.AgentID != "agent-ok" {
		t.Fatalf("expected fallthrough to agent-ok, got %v", award.AgentID)
	}
}

func TestFiltersNonViableBids(t *testing.T) {
	reg := newFakeRegistry()
	reg.dead["agent-dead"] = true
	reg.circuitOpen["agent-tripped"] = true
	reg.budget["agent-poor"] = 1
	notifier := newFakeNotifier()
	d := New(reg, notifier)

	bids := []Bid{
		{AgentID: "agent-dead", CostMicrosEst: 10, QualityCommitment: 0.9, Reliability: 0.9, SubmittedAt: time.Now()},
		{AgentID: "agent-tripped", CostMicrosEst: 10, QualityCommitment: 0.9, Reliability: 0.9, SubmittedAt: time.Now()},
		{AgentID: "agent-poor", CostMicrosEst: 100, QualityCommitment: 0.9, Reliability: 0.9, SubmittedAt: time.Now()},
		{AgentID: "agent-viable", CostMicrosEst: 10, QualityCommitment: 0.5, Reliability: 0.5, SubmittedAt: time.Now()},
	}
	ann := NewAnnouncement(uuid.New(), nil, 1000, time.Now().Add(time.Minute), 0.1)

	award, err := d.Run(context.Background(), ann, bidsCollector(bids))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if award.AgentID != "agent-viable" {
		t.Fatalf("expected only the viable agent to be eligible, got %v", award.AgentID)
	}
}

func TestEscalatesAfterMaxReannouncements(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()
	d := New(reg, notifier)

	// No bids ever arrive; every reannouncement round collects nothing.
	ann := NewAnnouncement(uuid.New(), nil, 1000, time.Now().Add(time.Minute), 0.5)

	_, err := d.Run(context.Background(), ann, bidsCollector(nil))
	if !errors.Is(err, ErrEscalationRequired) {
		t.Fatalf("expected EscalationRequired, got %v", err)
	}
}

func TestTieBreaksByEarliestSubmissionThenAgentID(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()
	d := New(reg, notifier)

	earlier := time.Now()
	later := earlier.Add(time.Second)
	bids := []Bid{
		{AgentID: "agent-z", CostMicrosEst: 10, QualityCommitment: 0.5, Reliability: 0.5, SubmittedAt: later},
		{AgentID: "agent-a", CostMicrosEst: 10, QualityCommitment: 0.5, Reliability: 0.5, SubmittedAt: earlier},
	}
	ann := NewAnnouncement(uuid.New(), nil, 1000, time.Now().Add(time.Minute), 0.1)

	award, err := d.Run(context.Background(), ann, bidsCollector(bids))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if award.AgentID != "agent-a" {
		t.Fatalf("expected earliest submission to win the tie, got %v", award.AgentID)
	}
}
