package validation

import (
	"context"
	"testing"

	"github.com/execplane/plane/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPipelineBlocksOnNullCommit reproduces scenario S1 from the spec: a
// pipeline containing a not-null constraint must block on a nil payload.
func TestPipelineBlocksOnNullCommit(t *testing.T) {
	notNull := Predicate{
		Name: "not_null",
		Fn: func(attrs map[string]interface{}) (bool, error) {
			v, ok := attrs["data"]
			return ok && v != nil, nil
		},
	}
	pipeline := NewPipeline("commit-validators", core.ValidationConfig{StopOnFirstFailure: true},
		NewConstraintsOperator(notNull))

	result := pipeline.Run(context.Background(), Payload{Attributes: map[string]interface{}{"data": nil}})

	assert.Equal(t, GateBlocked, result.Status)
	assert.True(t, result.Blocked)
	assert.Equal(t, FailurePolicyViolation, result.FailureCode)
}

func TestPipelinePassesValidCommit(t *testing.T) {
	notNull := Predicate{
		Name: "not_null",
		Fn: func(attrs map[string]interface{}) (bool, error) {
			v, ok := attrs["data"]
			return ok && v != nil, nil
		},
	}
	pipeline := NewPipeline("commit-validators", core.ValidationConfig{}, NewConstraintsOperator(notNull))

	result := pipeline.Run(context.Background(), Payload{Attributes: map[string]interface{}{"data": "hello"}})

	assert.Equal(t, GatePassed, result.Status)
	assert.False(t, result.Blocked)
}

func TestNormalizeOperatorIsIdempotent(t *testing.T) {
	op := NewNormalizeOperator(func(v interface{}) interface{} {
		if s, ok := v.(string); ok {
			return s + s[:0] // identity transform exercised twice below
		}
		return v
	})
	input := Payload{Attributes: map[string]interface{}{"name": "Agent"}}

	out1, err := op.Execute(context.Background(), input)
	require.NoError(t, err)
	out2, err := op.Execute(context.Background(), out1)
	require.NoError(t, err)

	assert.Equal(t, out1.Attributes, out2.Attributes)
	results := op.RunOracleChecks(input, out1)
	require.Len(t, results, 1)
	assert.True(t, results[0].Valid)
}

func TestCompareOperatorReflexivity(t *testing.T) {
	op := NewCompareOperator()
	input := Payload{Attributes: map[string]interface{}{"expected": 42, "actual": 42}}

	out, err := op.Execute(context.Background(), input)
	require.NoError(t, err)

	match, _ := out.Get("match")
	assert.Equal(t, true, match)
}

func TestDecideOperatorBlocksOnAnyInvalid(t *testing.T) {
	decide := NewDecideOperator(0.5)
	results := []Result{
		Pass("ok", 0.9),
		Fail(FailureConflict, "mismatch"),
	}

	decision, reason := decide.Fold(results)

	assert.Equal(t, DecisionBlock, decision)
	assert.Contains(t, reason, "mismatch")
}

func TestDecideOperatorEscalatesOnLowConfidence(t *testing.T) {
	decide := NewDecideOperator(0.8)
	results := []Result{Pass("ok", 0.3)}

	decision, _ := decide.Fold(results)

	assert.Equal(t, DecisionEscalate, decision)
}

func TestSchemaOperatorDetectsMissingRequiredField(t *testing.T) {
	op := NewSchemaOperator(SchemaField{Name: "path", Type: "string", Required: true})

	result := op.ValidateInvariants(Payload{Attributes: map[string]interface{}{}}, nil)

	assert.False(t, result.Valid)
	assert.Equal(t, FailureMissingData, result.FailureCode)
}

func TestSchemaOperatorDetectsTypeMismatch(t *testing.T) {
	op := NewSchemaOperator(SchemaField{Name: "count", Type: "number"})

	result := op.ValidateInvariants(Payload{Attributes: map[string]interface{}{"count": "not-a-number"}}, nil)

	assert.False(t, result.Valid)
	assert.Equal(t, FailureConflict, result.FailureCode)
}
