package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func perms() Permissions {
	return Permissions{
		Filesystem: FilesystemPermissions{
			ReadWritePaths: []string{"/data"},
			DeniedPaths:    []string{"/data/secrets"},
		},
		Network: NetworkPermissions{
			Enabled:        true,
			AllowedDomains: []string{"*.example.com"},
			DeniedDomains:  []string{"evil.example.com"},
		},
		Resources: ResourceLimits{
			MaxCPUUnits:        100,
			MaxMemoryBytes:     1024,
			MaxExecutionTimeMS: 5000,
			MaxProcessCount:    2,
		},
		Capabilities: map[string]struct{}{"net.http": {}},
		EnvVars:      map[string]struct{}{"HOME": {}},
	}
}

func TestFilesystemDeniedDominatesAllowed(t *testing.T) {
	checker := NewPermissionChecker(perms())

	result := checker.CheckFilesystemRead("/data/secrets/keys.pem")
	assert.False(t, result.Granted)

	result = checker.CheckFilesystemWrite("/data/report.csv")
	assert.True(t, result.Granted)

	result = checker.CheckFilesystemRead("/etc/passwd")
	assert.False(t, result.Granted)
	assert.True(t, result.CanEscalate)
}

func TestNetworkWildcardAndDenyDominance(t *testing.T) {
	checker := NewPermissionChecker(perms())

	assert.True(t, checker.CheckNetworkAccess("api.example.com", 0).Granted)
	assert.False(t, checker.CheckNetworkAccess("evil.example.com", 0).Granted)
	assert.False(t, checker.CheckNetworkAccess("other.com", 0).Granted)

	p := perms()
	p.Network.Enabled = false
	disabled := NewPermissionChecker(p)
	result := disabled.CheckNetworkAccess("api.example.com", 0)
	assert.False(t, result.Granted)
}

func TestResourceLimitHardVsSoft(t *testing.T) {
	checker := NewPermissionChecker(perms())

	execResult := checker.CheckResourceLimit("execution_time_ms", 4900, 200)
	assert.False(t, execResult.Granted)
	assert.False(t, execResult.CanEscalate, "hard execution-time limit must not be escalable")

	cpuResult := checker.CheckResourceLimit("cpu", 90, 20)
	assert.False(t, cpuResult.Granted)
	assert.True(t, cpuResult.CanEscalate, "soft cpu limit should be escalable")
}

func TestResourceAccountantReserveAndRelease(t *testing.T) {
	checker := NewPermissionChecker(perms())
	acct := NewResourceAccountant()

	result := acct.Reserve(checker, "memory", 600)
	assert.True(t, result.Granted)

	result = acct.Reserve(checker, "memory", 600)
	assert.False(t, result.Granted, "second reservation should exceed the 1024 byte limit")

	acct.Release("memory", 600)
	result = acct.Reserve(checker, "memory", 600)
	assert.True(t, result.Granted, "reservation should succeed again after release")
}

func TestEscalationManagerGrantMutatesCheckerAtomically(t *testing.T) {
	initial := NewPermissionChecker(perms())
	grantedPerms := perms()
	grantedPerms.Network.AllowedDomains = append(grantedPerms.Network.AllowedDomains, "other.com")

	handler := grantHandler{perms: grantedPerms}
	mgr := NewEscalationManager(initial, handler)

	before := mgr.Checker()
	assert.False(t, before.CheckNetworkAccess("other.com", 0).Granted)

	resp, err := mgr.Escalate(context.Background(), EscalationRequest{
		PrincipalID: "agent-1", Resource: "other.com", Reason: "not on allow-list",
	}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Granted)

	after := mgr.Checker()
	assert.True(t, after.CheckNetworkAccess("other.com", 0).Granted)
	assert.False(t, before.CheckNetworkAccess("other.com", 0).Granted, "prior snapshot must remain unchanged")
}

func TestEscalationManagerDenyLeavesCheckerUnchanged(t *testing.T) {
	initial := NewPermissionChecker(perms())
	mgr := NewEscalationManager(initial, AutoDenyHandler{})

	resp, err := mgr.Escalate(context.Background(), EscalationRequest{
		PrincipalID: "agent-1", Resource: "other.com", Reason: "not on allow-list",
	}, nil)
	require.NoError(t, err)
	assert.False(t, resp.Granted)
	assert.Same(t, initial, mgr.Checker())
}

type grantHandler struct {
	perms Permissions
}

func (h grantHandler) RequestEscalation(ctx context.Context, req EscalationRequest) (EscalationResponse, error) {
	p := h.perms
	return EscalationResponse{Granted: true, ApproverID: "approver-1", NewPermissions: &p}, nil
}

func TestSimulationProviderNeverExecutesAndReportsZeroUsage(t *testing.T) {
	provider := NewSimulationProvider()
	ran := false
	call := Call{
		ToolID: "send_email",
		Run: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			ran = true
			return nil, nil
		},
	}

	result, usage, err := provider.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.False(t, ran, "simulation provider must never invoke call.Run")
	assert.Equal(t, Usage{}, usage)
	assert.Equal(t, true, result["simulated"])
	assert.Len(t, provider.Calls(), 1)

	require.NoError(t, provider.Destroy(context.Background()))
	require.NoError(t, provider.Destroy(context.Background()), "destroy must be idempotent")
}

func TestProcessProviderExecutesAndMeasuresWallTime(t *testing.T) {
	provider := NewProcessProvider()
	call := Call{
		ToolID: "write_file",
		Run: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"bytes_written": 42}, nil
		},
	}

	result, usage, err := provider.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, 42, result["bytes_written"])
	assert.GreaterOrEqual(t, usage.WallTimeMS, int64(0))

	require.NoError(t, provider.Destroy(context.Background()))
	require.NoError(t, provider.Destroy(context.Background()), "destroy must be idempotent")

	_, _, err = provider.Execute(context.Background(), call)
	assert.Error(t, err, "execute after destroy must fail")
}

func TestSandboxCheckAndReserveEscalatesOnDenial(t *testing.T) {
	grantedPerms := perms()
	grantedPerms.Capabilities["shell.exec"] = struct{}{}
	handler := grantHandler{perms: grantedPerms}

	sb := New("sb-1", "wf-1", "agent-1", perms(), NewSimulationProvider(), WithEscalationHandler(handler))

	err := sb.CheckAndReserve(context.Background(), "capability", "shell.exec", 0)
	require.NoError(t, err, "denied capability should be escalated and granted")

	require.NoError(t, sb.Destroy(context.Background()))
}

func TestWithScopeAlwaysDestroys(t *testing.T) {
	provider := NewSimulationProvider()
	err := WithScope(context.Background(), "sb-2", "wf-1", "agent-1", perms(), provider, func(sb *Sandbox) error {
		return assertErr
	})
	assert.Equal(t, assertErr, err)
}

var assertErr = &scopeErr{"boom"}

type scopeErr struct{ msg string }

func (e *scopeErr) Error() string { return e.msg }
