package plane

import (
	"context"
	"testing"
	"time"

	"github.com/execplane/plane/core"
	"github.com/execplane/plane/policy"
	"github.com/execplane/plane/toolexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	cfg, err := core.NewConfig(
		core.WithName("test-plane"),
		core.WithEffortThresholds(0.2, 0.0),
	)
	require.NoError(t, err)
	cfg.ID = "wf-test"
	return cfg
}

func TestPlaneSubmitCommitsAndAudits(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)

	req := toolexec.Request{
		TaskID: "task-1", StepID: "step-1", ToolID: "send_email",
		Args: map[string]interface{}{"to": "a@example.com"},
		Principal: policy.Principal{ID: "agent-1", Permissions: []policy.Permission{
			{Action: "call", Resource: "send_email", Zone: policy.ZoneInternal},
		}},
		Action: policy.Action{
			ID: "a1", Name: "send_email", RiskTier: policy.RiskLow, Intent: policy.IntentWrite,
			RequiredPermissions: []policy.Permission{{Action: "call", Resource: "send_email", Zone: policy.ZoneInternal}},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"sent": true}, nil
		},
	}

	outcome, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, toolexec.StateCommitted, outcome.State)

	entries := p.AuditLog().ByTaskID("task-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-1", entries[0].Actor)
}

func TestPlaneSubmitDeniedByPolicyNeverRuns(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)

	req := toolexec.Request{
		TaskID: "task-2", StepID: "step-1", ToolID: "delete_account",
		Args:      map[string]interface{}{"id": "123"},
		Principal: policy.Principal{ID: "agent-2"},
		Action: policy.Action{
			ID: "a2", Name: "delete_account", RiskTier: policy.RiskCritical, Intent: policy.IntentDelete,
			RequiredPermissions: []policy.Permission{{Action: "delete", Resource: "account", Zone: policy.ZoneRestricted}},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			t.Fatal("tool must not run when policy denies the call")
			return nil, nil
		},
	}

	outcome, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, toolexec.StateDeniedByPolicy, outcome.State)
}

func TestPlaneRollbackToLastVerifiedAfterSnapshot(t *testing.T) {
	cfg := testConfig(t)
	state := map[string]interface{}{"progress": 1.0}
	p, err := New(context.Background(), cfg, WithStateCapture(func(ctx context.Context) (map[string]interface{}, error) {
		return state, nil
	}))
	require.NoError(t, err)

	_, err = p.snapshots.Snapshot(context.Background())
	require.NoError(t, err)

	result, err := p.RollbackToLastVerified(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.State["progress"])
}

func TestPlaneStartStopSnapshotLoop(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(context.Background(), cfg, WithStateCapture(func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 10*time.Millisecond)
	p.Stop()
}
