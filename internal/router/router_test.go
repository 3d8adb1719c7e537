package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/agentswarm/internal/contract"
	"github.com/swarmguard/agentswarm/internal/ratelimit"
)

func confidence(v float64) *float64 { return &v }

func cheapModel(id string) ModelDescriptor {
	return ModelDescriptor{
		ID: id, Provider: "fake",
		PricePerInputToken: 1, PricePerOutputToken: 2,
		MaxTokens:    4096,
		Capabilities: map[string]bool{"chat": true},
	}
}

func TestRouteAcceptsFirstTierWhenQualityMeetsThreshold(t *testing.T) {
	cm := contract.NewManager()
	root := cm.CreateRoot(contract.Limits{TotalTokenBudget: 100_000, CostMicros: 1_000_000, LLMCalls: 10}, time.Time{})

	tiers := []Tier{
		{Models: []ModelDescriptor{cheapModel("cheap-1")}, Threshold: 0.7},
		{Models: []ModelDescriptor{cheapModel("expensive-1")}, Threshold: 0.5},
	}
	fp := &FakeProvider{Responses: map[string]Response{
		"cheap-1": {Output: "ok", InputTokens: 10, OutputTokens: 10, FinishReason: FinishStop, Confidence: confidence(0.9)},
	}}
	r := New(tiers, cm, nil, nil, nil)

	resp, score, err := r.Route(context.Background(), root.ID, fp, Request{RequiredCapabilities: []string{"chat"}}, TaskDescriptor{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Output != "ok" {
		t.Fatalf("expected cheap tier response, got %+v", resp)
	}
	if score.Overall < 0.7 {
		t.Fatalf("expected score above threshold, got %v", score.Overall)
	}
	if len(fp.Calls) != 1 || fp.Calls[0] != "cheap-1" {
		t.Fatalf("expected only the cheap tier to be invoked, got %v", fp.Calls)
	}
}

func TestRouteEscalatesOnLowQuality(t *testing.T) {
	cm := contract.NewManager()
	root := cm.CreateRoot(contract.Limits{TotalTokenBudget: 100_000, CostMicros: 1_000_000, LLMCalls: 10}, time.Time{})

	tiers := []Tier{
		{Models: []ModelDescriptor{cheapModel("cheap-1")}, Threshold: 0.95},
		{Models: []ModelDescriptor{cheapModel("strong-1")}, Threshold: 0.5},
	}
	fp := &FakeProvider{Responses: map[string]Response{
		"cheap-1":  {Output: "meh", InputTokens: 10, OutputTokens: 10, FinishReason: FinishLength, Confidence: confidence(0.4)},
		"strong-1": {Output: "great", InputTokens: 10, OutputTokens: 10, FinishReason: FinishStop, Confidence: confidence(0.95)},
	}}
	events := make(chan Event, 4)
	r := New(tiers, cm, nil, events, nil)

	resp, _, err := r.Route(context.Background(), root.ID, fp, Request{}, TaskDescriptor{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Output != "great" {
		t.Fatalf("expected escalation to strong tier, got %+v", resp)
	}

	select {
	case e := <-events:
		if e.Kind != "escalating" {
			t.Fatalf("expected escalating event first, got %v", e.Kind)
		}
	default:
		t.Fatalf("expected an escalation event to be emitted")
	}
}

func TestRouteExhaustedTiersWhenAllFail(t *testing.T) {
	cm := contract.NewManager()
	root := cm.CreateRoot(contract.Limits{TotalTokenBudget: 100_000, CostMicros: 1_000_000, LLMCalls: 10}, time.Time{})

	tiers := []Tier{
		{Models: []ModelDescriptor{cheapModel("only-1")}, Threshold: 0.99},
	}
	fp := &FakeProvider{Responses: map[string]Response{
		"only-1": {Output: "weak", InputTokens: 1, OutputTokens: 1, FinishReason: FinishStop, Confidence: confidence(0.1)},
	}}
	r := New(tiers, cm, nil, nil, nil)

	_, _, err := r.Route(context.Background(), root.ID, fp, Request{}, TaskDescriptor{})
	if !errors.Is(err, ErrExhaustedTiers) {
		t.Fatalf("expected ExhaustedTiers, got %v", err)
	}
}

func TestRouteSkipsTierOnBudgetExceeded(t *testing.T) {
	cm := contract.NewManager()
	root := cm.CreateRoot(contract.Limits{TotalTokenBudget: 100_000, CostMicros: 50, LLMCalls: 10}, time.Time{})

	expensive := ModelDescriptor{
		ID: "needs-lots", Provider: "fake",
		PricePerInputToken: 100, PricePerOutputToken: 100,
		MaxTokens: 4096, Capabilities: map[string]bool{"chat": true},
	}
	affordable := ModelDescriptor{
		ID: "fits", Provider: "fake",
		PricePerInputToken: 1, PricePerOutputToken: 1,
		MaxTokens: 4096, Capabilities: map[string]bool{"chat": true},
	}

	tiers := []Tier{
		{Models: []ModelDescriptor{expensive}, Threshold: 0.1},
		{Models: []ModelDescriptor{affordable}, Threshold: 0.1},
	}
	fp := &FakeProvider{Responses: map[string]Response{
		"fits": {Output: "fine", InputTokens: 10, OutputTokens: 10, FinishReason: FinishStop, Confidence: confidence(0.9)},
	}}
	r := New(tiers, cm, nil, nil, nil)

	resp, _, err := r.Route(context.Background(), root.ID, fp, Request{
		EstimatedInputTokens: 10, EstimatedOutputTokens: 10,
	}, TaskDescriptor{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Output != "fine" {
		t.Fatalf("expected the fitting tier to win, got %+v", resp)
	}
	if len(fp.Calls) != 1 || fp.Calls[0] != "fits" {
		t.Fatalf("expected only the affordable model invoked, got %v", fp.Calls)
	}
}

func TestRouteSkipsThrottledModel(t *testing.T) {
	cm := contract.NewManager()
	root := cm.CreateRoot(contract.Limits{TotalTokenBudget: 100_000, CostMicros: 1_000_000, LLMCalls: 10}, time.Time{})

	throttled := cheapModel("aaa-throttled")
	fallback := cheapModel("zzz-fallback")
	tiers := []Tier{
		{Models: []ModelDescriptor{throttled, fallback}, Threshold: 0.5},
	}
	fp := &FakeProvider{Responses: map[string]Response{
		"zzz-fallback": {Output: "ok", InputTokens: 1, OutputTokens: 1, FinishReason: FinishStop, Confidence: confidence(0.9)},
	}}

	limits := ratelimit.NewRegistry(1, 0, time.Minute, 0)
	limits.Allow("aaa-throttled") // exhaust its single token before routing

	r := New(tiers, cm, nil, nil, limits)

	resp, _, err := r.Route(context.Background(), root.ID, fp, Request{RequiredCapabilities: []string{"chat"}}, TaskDescriptor{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Output != "ok" {
		t.Fatalf("expected fallback model to serve the request, got %+v", resp)
	}
	for _, called := range fp.Calls {
		if called == "aaa-throttled" {
			t.Fatalf("expected throttled model never invoked, got calls %v", fp.Calls)
		}
	}
}

func TestBankersRounding(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{2.5, 2},
		{3.5, 4},
		{2.4, 2},
		{2.6, 3},
		{-0.0, 0},
	}
	for _, c := range cases {
		if got := bankersRound(c.in); got != c.want {
			t.Fatalf("bankersRound(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
