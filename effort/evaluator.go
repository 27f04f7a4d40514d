// Package effort implements the cost/risk scorer that runs after the policy
// gate and before tool execution: it fuses world-model soft-constraint
// scores with rolling observability metrics to pre-empt costly work.
package effort

import (
	"context"

	"github.com/execplane/plane/core"
	"github.com/execplane/plane/policy"
)

// Verdict is the three-way partition an effort score falls into.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReview  Verdict = "review"
	VerdictReject  Verdict = "reject"
)

// WorldModelScores carries the soft-constraint categories the spec names:
// cost, risk, quality, each in [0, 1] where higher is better (less costly,
// less risky, higher quality).
type WorldModelScores struct {
	Cost    float64
	Risk    float64
	Quality float64
}

// WorldModelScorer produces soft-constraint scores for a proposed action.
// Implementations may consult a planning model, a static cost table, or any
// other cost/risk estimator; the evaluator only needs the three categories.
type WorldModelScorer interface {
	Score(ctx context.Context, action policy.Action) (WorldModelScores, error)
}

// StaticScorer is a WorldModelScorer that returns a fixed score per risk
// tier, useful for tests and for deployments without a real world model.
type StaticScorer struct {
	ByRiskTier map[policy.RiskTier]WorldModelScores
	Default    WorldModelScores
}

// NewStaticScorer builds a StaticScorer with the spec's suggested defaults:
// scores degrade monotonically from low to critical risk tiers.
func NewStaticScorer() *StaticScorer {
	return &StaticScorer{
		ByRiskTier: map[policy.RiskTier]WorldModelScores{
			policy.RiskLow:      {Cost: 0.9, Risk: 0.9, Quality: 0.9},
			policy.RiskMedium:   {Cost: 0.7, Risk: 0.6, Quality: 0.8},
			policy.RiskHigh:     {Cost: 0.5, Risk: 0.3, Quality: 0.7},
			policy.RiskCritical: {Cost: 0.3, Risk: 0.1, Quality: 0.6},
		},
		Default: WorldModelScores{Cost: 0.5, Risk: 0.5, Quality: 0.5},
	}
}

func (s *StaticScorer) Score(ctx context.Context, action policy.Action) (WorldModelScores, error) {
	if scores, ok := s.ByRiskTier[action.RiskTier]; ok {
		return scores, nil
	}
	return s.Default, nil
}

// Evaluator combines WorldModelScorer output with rolling metrics into a
// single score, then partitions it into approve/review/reject.
type Evaluator struct {
	cfg     core.EffortConfig
	scorer  WorldModelScorer
	metrics *MetricsAggregator
	logger  core.Logger
}

// NewEvaluator builds an Evaluator. scorer and metrics must not be nil.
func NewEvaluator(cfg core.EffortConfig, scorer WorldModelScorer, metrics *MetricsAggregator) *Evaluator {
	return &Evaluator{cfg: cfg, scorer: scorer, metrics: metrics, logger: &core.NoOpLogger{}}
}

// WithLogger attaches a logger.
func (e *Evaluator) WithLogger(l core.Logger) *Evaluator {
	if l != nil {
		e.logger = l
	}
	return e
}

// Score is the outcome of evaluating one action.
type Score struct {
	Composite float64
	Verdict   Verdict
	Breakdown WorldModelScores
	Reason    string
}

// Evaluate scores action and partitions it per the configured thresholds.
// Only VerdictReject short-circuits the caller's pipeline; VerdictReview
// forwards to the normal policy path.
func (e *Evaluator) Evaluate(ctx context.Context, action policy.Action, toolID string) (Score, error) {
	worldModel, err := e.scorer.Score(ctx, action)
	if err != nil {
		return Score{}, core.NewFrameworkError("effort.Evaluate", "effort", err)
	}

	successRate, meanLatencyScore, escalationScore := e.metrics.Snapshot(toolID)

	weighted := e.cfg.CostWeight*worldModel.Cost + e.cfg.RiskWeight*worldModel.Risk + e.cfg.QualityWeight*worldModel.Quality
	sumWeights := e.cfg.CostWeight + e.cfg.RiskWeight + e.cfg.QualityWeight
	if sumWeights == 0 {
		sumWeights = 1
	}
	weighted /= sumWeights

	// Blend the world-model component with live metrics, weighting world
	// model 60% and observed behavior 40%.
	observed := (successRate + meanLatencyScore + escalationScore) / 3.0
	composite := 0.6*weighted + 0.4*observed

	verdict := VerdictReview
	reason := "composite score within review band"
	switch {
	case composite >= e.cfg.ApproveThreshold:
		verdict = VerdictApprove
		reason = "composite score met approval threshold"
	case composite <= e.cfg.RejectThreshold:
		verdict = VerdictReject
		reason = "composite score at or below rejection threshold"
	}

	e.logger.Info("effort evaluation", map[string]interface{}{
		"action_id": action.ID, "composite": composite, "verdict": string(verdict),
	})

	return Score{Composite: composite, Verdict: verdict, Breakdown: worldModel, Reason: reason}, nil
}
