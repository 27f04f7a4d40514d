package effort

import (
	"context"
	"testing"
	"time"

	"github.com/execplane/plane/core"
	"github.com/execplane/plane/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultEffortConfig() core.EffortConfig {
	return core.EffortConfig{
		ApproveThreshold: 0.75,
		RejectThreshold:  0.25,
		CostWeight:       0.34,
		RiskWeight:       0.33,
		QualityWeight:    0.33,
	}
}

func TestEvaluatorApprovesLowRiskHealthyTool(t *testing.T) {
	metrics := NewMetricsAggregator()
	for i := 0; i < 10; i++ {
		metrics.RecordOutcome("get_order", true, 10*time.Millisecond)
	}
	evaluator := NewEvaluator(defaultEffortConfig(), NewStaticScorer(), metrics)

	score, err := evaluator.Evaluate(context.Background(), policy.Action{ID: "a1", RiskTier: policy.RiskLow}, "get_order")

	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, score.Verdict)
}

func TestEvaluatorRejectsCriticalWithFailingTool(t *testing.T) {
	metrics := NewMetricsAggregator()
	for i := 0; i < 10; i++ {
		metrics.RecordOutcome("wipe_db", false, 2*time.Second)
	}
	evaluator := NewEvaluator(defaultEffortConfig(), NewStaticScorer(), metrics)

	score, err := evaluator.Evaluate(context.Background(), policy.Action{ID: "a2", RiskTier: policy.RiskCritical}, "wipe_db")

	require.NoError(t, err)
	assert.Equal(t, VerdictReject, score.Verdict)
}

func TestMetricsAggregatorSnapshotDefaultsToOptimistic(t *testing.T) {
	metrics := NewMetricsAggregator()

	successRate, latencyScore, escalationScore := metrics.Snapshot("unseen-tool")

	assert.Equal(t, 1.0, successRate)
	assert.Equal(t, 1.0, latencyScore)
	assert.Equal(t, 1.0, escalationScore)
}
