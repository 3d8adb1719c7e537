// Package router implements the cost-ascending Model Router (spec §4.3):
// it satisfies an LLM request with the cheapest model whose output clears
// a per-tier quality threshold, charging the caller's contract throughout.
// Provider/Scorer are injected interfaces, mirroring the teacher's
// TaskExecutor-family dispatch in services/orchestrator/plugins.go.
package router

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/swarmguard/agentswarm/internal/contract"
	"github.com/swarmguard/agentswarm/internal/ratelimit"
)

// ErrExhaustedTiers is returned when no tier produced an acceptable
// response, distinct from a BudgetExceeded on any single tier.
var ErrExhaustedTiers = errors.New("router: all tiers exhausted")

const maxProvidersPerTier = 2

// ModelDescriptor is one routable model within a tier.
type ModelDescriptor struct {
	ID                  string
	Provider            string
	PricePerInputToken  int64 // micro-dollars per token
	PricePerOutputToken int64
	MaxTokens           int64
	Capabilities        map[string]bool
}

func (m ModelDescriptor) supports(required []string) bool {
	for _, r := range required {
		if !m.Capabilities[r] {
			return false
		}
	}
	return true
}

// Tier is an ordered, non-empty set of models sharing a quality threshold.
// Tiers are evaluated cheapest-first; thresholds must be non-increasing
// across the tier list (enforced by the caller building the cascade).
type Tier struct {
	Models    []ModelDescriptor
	Threshold float64
}

// Request is one LLM invocation attempt.
type Request struct {
	Prompt                string
	RequiredCapabilities  []string
	EstimatedInputTokens  int64
	EstimatedOutputTokens int64
	Samples               int // >1 requests multiple samples for consistency scoring
}

// TaskDescriptor carries the task-specific knobs the quality score and
// routing decision consult.
type TaskDescriptor struct {
	QualityMultiplier float64                    // score.overall >= threshold * this
	ValidatesFormat   func(output string) bool    // nil => always valid
	Heuristic         func(output string) float64 // nil => 1.0
	Equivalent        func(a, b string) bool      // sample agreement, nil => always equivalent
}

func (t TaskDescriptor) qualityMultiplier() float64 {
	if t.QualityMultiplier == 0 {
		return 1.0
	}
	return t.QualityMultiplier
}

// FinishReason classifies how a model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishFunctionCall  FinishReason = "function_call"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishEmpty         FinishReason = "empty"
)

// Response is what a Provider returns for a successful invocation.
type Response struct {
	Output       string
	Samples      []string
	InputTokens  int64
	OutputTokens int64
	FinishReason FinishReason
	Confidence   *float64 // nil => provider did not report one
}

// ProviderError wraps a provider-level failure; Retryable distinguishes
// network/5xx/content-policy stops (try next provider) from anything else.
type ProviderError struct {
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string { return e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// Provider invokes one concrete model.
type Provider interface {
	Invoke(ctx context.Context, model ModelDescriptor, req Request) (Response, error)
}

// QualityScore is the weighted decomposition from spec §4.3.
type QualityScore struct {
	ModelConfidence float64
	Completeness    float64
	FormatValid     float64
	Consistency     float64
	TaskHeuristics  float64
	Overall         float64
}

// Scorer turns a Response into a QualityScore for a given task.
type Scorer interface {
	Score(resp Response, task TaskDescriptor) QualityScore
}

// DefaultScorer implements the weighted sum from spec §4.3.
type DefaultScorer struct{}

func (DefaultScorer) Score(resp Response, task TaskDescriptor) QualityScore {
	confidence := 0.5
	if resp.Confidence != nil {
		confidence = *resp.Confidence
	}

	completeness := 0.0
	switch resp.FinishReason {
	case FinishStop, FinishFunctionCall:
		completeness = 1.0
	case FinishLength:
		completeness = 0.5
	case FinishContentFilter:
		completeness = 0.3
	case FinishEmpty, "":
		completeness = 0.0
	}

	formatValid := 1.0
	if task.ValidatesFormat != nil && !task.ValidatesFormat(resp.Output) {
		formatValid = 0.0
	}

	consistency := 1.0
	if len(resp.Samples) > 1 {
		consistency = sampleAgreement(resp.Samples, task.Equivalent)
	}

	heuristics := 1.0
	if task.Heuristic != nil {
		heuristics = task.Heuristic(resp.Output)
	}

	overall := 0.30*confidence + 0.25*completeness + 0.20*formatValid + 0.15*consistency + 0.10*heuristics

	return QualityScore{
		ModelConfidence: confidence,
		Completeness:    completeness,
		FormatValid:     formatValid,
		Consistency:     consistency,
		TaskHeuristics:  heuristics,
		Overall:         overall,
	}
}

func sampleAgreement(samples []string, equivalent func(a, b string) bool) float64 {
	if equivalent == nil {
		equivalent = func(a, b string) bool { return a == b }
	}
	best := 0
	for i := range samples {
		count := 0
		for j := range samples {
			if equivalent(samples[i], samples[j]) {
				count++
			}
		}
		if count > best {
			best = count
		}
	}
	return float64(best) / float64(len(samples))
}

// Event is emitted as the router escalates or finishes.
type Event struct {
	Kind  string // "escalating", "routed"
	Tier  int
	Model string
}

// Router drives the tier cascade against a contract manager.
type Router struct {
	tiers     []Tier
	contracts *contract.Manager
	scorer    Scorer
	events    chan<- Event
	limits    *ratelimit.Registry
}

// New builds a Router over an ordered tier cascade (cheapest first).
// events may be nil if the caller does not want to observe escalation.
// limits may be nil to disable per-model throttling.
func New(tiers []Tier, contracts *contract.Manager, scorer Scorer, events chan<- Event, limits *ratelimit.Registry) *Router {
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	return &Router{tiers: tiers, contracts: contracts, scorer: scorer, events: events, limits: limits}
}

// Route implements spec §4.3's route algorithm.
func (r *Router) Route(ctx context.Context, contractID uuid.UUID, provider Provider, req Request, task TaskDescriptor) (Response, QualityScore, error) {
	for t, tier := range r.tiers {
		models := eligibleModels(tier.Models, req.RequiredCapabilities)
		if len(models) == 0 {
			continue
		}

		tried := 0
		for _, model := range models {
			if tried >= maxProvidersPerTier {
				break
			}
			tried++

			if r.limits != nil && !r.limits.Allow(model.ID) {
				continue // model is rate-limited right now, try the next one
			}

			est := contract.Usage{
				InputTokens:      req.EstimatedInputTokens,
				OutputTokens:     req.EstimatedOutputTokens,
				TotalTokenBudget: req.EstimatedInputTokens + req.EstimatedOutputTokens,
				CostMicros:       estimateCostMicros(model, req.EstimatedInputTokens, req.EstimatedOutputTokens),
				LLMCalls:         1,
			}

			token, err := r.contracts.TryReserve(contractID, est)
			if err != nil {
				if errors.Is(err, contract.ErrBudgetExceeded) {
					continue // skip this model/tier, try next
				}
				return Response{}, QualityScore{}, err // DeadlineExceeded or ContractViolated propagate
			}

			resp, invokeErr := provider.Invoke(ctx, model, req)
			if invokeErr != nil {
				var perr *ProviderError
				if errors.As(invokeErr, &perr) && perr.Retryable {
					_ = r.contracts.Release(contractID, token)
					continue
				}
				_ = r.contracts.Release(contractID, token)
				return Response{}, QualityScore{}, invokeErr
			}

			actual := contract.Usage{
				InputTokens:      resp.InputTokens,
				OutputTokens:     resp.OutputTokens,
				TotalTokenBudget: resp.InputTokens + resp.OutputTokens,
				CostMicros:       actualCostMicros(model, resp.InputTokens, resp.OutputTokens),
				LLMCalls:         1,
			}
			if fErr := r.contracts.Finalize(contractID, token, actual); fErr != nil {
				return Response{}, QualityScore{}, fErr
			}

			score := r.scorer.Score(resp, task)
			if score.Overall >= tier.Threshold*task.qualityMultiplier() {
				r.emit(Event{Kind: "routed", Tier: t, Model: model.ID})
				return resp, score, nil
			}

			r.emit(Event{Kind: "escalating", Tier: t, Model: model.ID})
			break // move to next tier; do not retry a second provider once quality failed
		}
	}
	return Response{}, QualityScore{}, ErrExhaustedTiers
}

func (r *Router) emit(e Event) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- e:
	default:
	}
}

func eligibleModels(models []ModelDescriptor, required []string) []ModelDescriptor {
	var out []ModelDescriptor
	for _, m := range models {
		if m.supports(required) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi := out[i].PricePerInputToken + out[i].PricePerOutputToken
		pj := out[j].PricePerInputToken + out[j].PricePerOutputToken
		if pi != pj {
			return pi < pj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// estimateCostMicros and actualCostMicros both apply banker's rounding
// (round-half-to-even) to the micro-dollar cost, per spec §4.3's cost
// accounting rule.
func estimateCostMicros(m ModelDescriptor, inputTokens, outputTokens int64) int64 {
	return bankersRoundCost(m, inputTokens, outputTokens)
}

func actualCostMicros(m ModelDescriptor, inputTokens, outputTokens int64) int64 {
	return bankersRoundCost(m, inputTokens, outputTokens)
}

func bankersRoundCost(m ModelDescriptor, inputTokens, outputTokens int64) int64 {
	raw := float64(inputTokens)*float64(m.PricePerInputToken) + float64(outputTokens)*float64(m.PricePerOutputToken)
	return bankersRound(raw)
}

// bankersRound rounds x to the nearest integer, breaking exact .5 ties to
// the nearest even integer rather than always rounding up.
func bankersRound(x float64) int64 {
	floor := math.Floor(x)
	diff := x - floor
	switch {
	case diff < 0.5:
		return int64(floor)
	case diff > 0.5:
		return int64(floor) + 1
	default:
		if int64(floor)%2 == 0 {
			return int64(floor)
		}
		return int64(floor) + 1
	}
}
