package toolexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/execplane/plane/audit"
	"github.com/execplane/plane/core"
	"github.com/execplane/plane/effort"
	"github.com/execplane/plane/policy"
	"github.com/execplane/plane/sandbox"
	"github.com/execplane/plane/storage"
	"github.com/execplane/plane/validation"
	"github.com/stretchr/testify/require"
)

func testHarness(t *testing.T) (*Wrapper, policy.Principal) {
	t.Helper()
	gate := policy.NewGate(core.PolicyConfig{})
	evaluator := effort.NewEvaluator(core.EffortConfig{
		ApproveThreshold: 0.2, RejectThreshold: 0.0,
		CostWeight: 1, RiskWeight: 1, QualityWeight: 1,
	}, effort.NewStaticScorer(), effort.NewMetricsAggregator())

	outbox := storage.NewInMemoryOutboxStore()
	auditStore := storage.NewInMemoryAuditStore()
	auditLog, err := audit.NewLog(context.Background(), auditStore, nil)
	require.NoError(t, err)

	providers := func(req Request) sandbox.Provider { return sandbox.NewProcessProvider() }

	cfg := core.ToolExecConfig{
		DefaultTimeout: time.Second, MaxAttempts: 1,
		InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2,
	}
	w := NewWrapper(cfg, gate, evaluator, providers, outbox, auditLog)
	principal := policy.Principal{ID: "agent-1", Permissions: []policy.Permission{
		{Action: "call", Resource: "send_email", Zone: policy.ZoneInternal},
	}}
	return w, principal
}

func baseRequest(principal policy.Principal, run func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)) Request {
	return Request{
		TaskID: "task-1", StepID: "step-1", ToolID: "send_email",
		Args:      map[string]interface{}{"to": "a@example.com"},
		Principal: principal,
		Action: policy.Action{
			ID: "a1", Name: "send_email", RiskTier: policy.RiskLow, Intent: policy.IntentWrite,
			RequiredPermissions: []policy.Permission{{Action: "call", Resource: "send_email", Zone: policy.ZoneInternal}},
		},
		Run: run,
	}
}

func TestInvokeCommitsOnSuccess(t *testing.T) {
	w, principal := testHarness(t)
	req := baseRequest(principal, func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"sent": true}, nil
	})

	outcome, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, outcome.State)
	require.Equal(t, true, outcome.Result["sent"])
}

func TestInvokeReplaysCommittedCall(t *testing.T) {
	w, principal := testHarness(t)
	calls := 0
	req := baseRequest(principal, func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"sent": true}, nil
	})

	first, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, first.State)

	second, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateReplayed, second.State)
	require.Equal(t, 1, calls, "the underlying tool must not run twice for the same idempotency key")
}

func TestInvokeDeniedByPolicy(t *testing.T) {
	w, _ := testHarness(t)
	principal := policy.Principal{ID: "agent-2"} // holds no permissions
	req := baseRequest(principal, func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		t.Fatal("tool must not execute when policy denies the call")
		return nil, nil
	})

	outcome, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateDeniedByPolicy, outcome.State)
}

func TestInvokeRejectedByEffort(t *testing.T) {
	w, principal := testHarness(t)
	w.effortEval = effort.NewEvaluator(core.EffortConfig{
		ApproveThreshold: 1.1, RejectThreshold: 1.0,
		CostWeight: 1, RiskWeight: 1, QualityWeight: 1,
	}, effort.NewStaticScorer(), effort.NewMetricsAggregator())

	req := baseRequest(principal, func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		t.Fatal("tool must not execute when effort evaluator rejects the call")
		return nil, nil
	})

	outcome, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateRejectedByEffort, outcome.State)
}

func TestInvokeCompensatesOnOutputSchemaFailure(t *testing.T) {
	w, principal := testHarness(t)
	compensated := false
	req := baseRequest(principal, func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"sent": false}, nil
	})
	req.OutputSchema = func(data map[string]interface{}) validation.Result {
		if data["sent"] == true {
			return validation.Pass("ok", 1.0)
		}
		return validation.Fail(validation.FailureConflict, "email was not actually sent")
	}
	req.Compensate = func(ctx context.Context, args, result map[string]interface{}) error {
		compensated = true
		return nil
	}

	outcome, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateCompensated, outcome.State)
	require.True(t, compensated)
	require.Equal(t, map[string]interface{}{"sent": false}, outcome.Result, "the tool's actual (invalid) output must survive for diagnosis")
}

func TestInvokeNeedsManualInterventionWhenCompensationFails(t *testing.T) {
	w, principal := testHarness(t)
	req := baseRequest(principal, func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"sent": false}, nil
	})
	req.OutputSchema = func(data map[string]interface{}) validation.Result {
		return validation.Fail(validation.FailureConflict, "email was not actually sent")
	}
	req.Compensate = func(ctx context.Context, args, result map[string]interface{}) error {
		return errors.New("refund API unreachable")
	}

	outcome, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateNeedsManualIntervention, outcome.State)
	require.Equal(t, map[string]interface{}{"sent": false}, outcome.Result, "the tool's actual (invalid) output must survive for diagnosis")
}

func TestInvokeToolFailureMarksOutboxFailed(t *testing.T) {
	w, principal := testHarness(t)
	req := baseRequest(principal, func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("smtp timeout")
	})

	outcome, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateToolFailed, outcome.State)

	key, err := IdempotencyKey(req.TaskID, req.StepID, req.ToolID, req.Args)
	require.NoError(t, err)
	rec, found, err := w.outbox.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, storage.OutboxFailed, rec.State)
}

func TestIdempotencyKeyStableForIdenticalArgs(t *testing.T) {
	a, err := IdempotencyKey("t1", "s1", "tool", map[string]interface{}{"x": 1, "y": 2})
	require.NoError(t, err)
	b, err := IdempotencyKey("t1", "s1", "tool", map[string]interface{}{"y": 2, "x": 1})
	require.NoError(t, err)
	require.Equal(t, a, b, "key must not depend on map iteration order")

	c, err := IdempotencyKey("t1", "s1", "tool", map[string]interface{}{"x": 1, "y": 3})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
