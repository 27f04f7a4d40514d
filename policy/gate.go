package policy

import (
	"context"
	"fmt"

	"github.com/execplane/plane/core"
)

// Gate is the reference Goal-Guard implementation: a rule-based policy
// evaluator. Applications may substitute their own (ML-based, external
// service) behind the same Evaluate signature.
type Gate struct {
	config    core.PolicyConfig
	logger    core.Logger
	telemetry core.Telemetry
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithTelemetry attaches a telemetry sink.
func WithTelemetry(t core.Telemetry) Option {
	return func(g *Gate) {
		if t != nil {
			g.telemetry = t
		}
	}
}

// NewGate builds a Gate from cfg, defaulting logger/telemetry to no-ops.
func NewGate(cfg core.PolicyConfig, opts ...Option) *Gate {
	g := &Gate{
		config:    cfg,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the Goal-Guard state machine against action for principal.
//
// Transition order, per spec.md §4.2:
//  1. Principal must hold every required permission at a sufficient zone:
//     the permission's own zone or the action's data zone, whichever is
//     higher.
//  2. If the action names an allow-list, its tool must be on it.
//  3. Risk tier and intent map to a verdict: low always allows; medium
//     allows unless intent is elevated (write/delete/admin); high requires
//     approval; critical requires approval, and is denied outright when
//     RequireJustificationForCritical is set and no justification is given.
func (g *Gate) Evaluate(ctx context.Context, principal Principal, action Action) Verdict {
	ctx, span := g.telemetry.StartSpan(ctx, "policy.evaluate")
	defer span.End()
	span.SetAttribute("action_id", action.ID)
	span.SetAttribute("risk_tier", string(action.RiskTier))

	for _, required := range action.RequiredPermissions {
		zone := required.Zone
		if action.Zone > zone {
			zone = action.Zone
		}
		if !principal.HasPermission(required.Action, required.Resource, zone) {
			verdict := Verdict{
				State:     StateDenied,
				Reason:    fmt.Sprintf("principal %s lacks permission %s on %s at zone %s", principal.ID, required.Action, required.Resource, zone),
				AuditHint: "permission_check_denied",
			}
			g.logger.Warn("policy gate denied: missing permission", map[string]interface{}{
				"principal_id": principal.ID, "action_id": action.ID, "resource": required.Resource,
			})
			return verdict
		}
	}

	if len(action.AllowedTools) > 0 && !contains(action.AllowedTools, action.Name) {
		return Verdict{
			State:     StateDenied,
			Reason:    fmt.Sprintf("tool %q is not on the action's allow-list", action.Name),
			AuditHint: "allow_list_denied",
		}
	}

	verdict := g.classifyByRiskAndIntent(action)
	g.logger.Info("policy gate decision", map[string]interface{}{
		"principal_id": principal.ID, "action_id": action.ID, "state": string(verdict.State),
	})
	return verdict
}

func (g *Gate) classifyByRiskAndIntent(action Action) Verdict {
	elevated := action.Intent == IntentWrite || action.Intent == IntentDelete || action.Intent == IntentAdmin

	switch action.RiskTier {
	case RiskLow:
		return Verdict{State: StateAllowed, Reason: "low risk tier", AuditHint: "policy_allow"}
	case RiskMedium:
		if !elevated {
			return Verdict{State: StateAllowed, Reason: "medium risk, non-elevated intent", AuditHint: "policy_allow"}
		}
		return Verdict{
			State:            StateApprovalRequired,
			Reason:           "medium risk with elevated intent",
			RequiredApproval: "single approver",
			AuditHint:        "policy_approval_required",
		}
	case RiskHigh:
		return Verdict{
			State:            StateApprovalRequired,
			Reason:           "high risk tier always requires approval",
			RequiredApproval: "single approver",
			AuditHint:        "policy_approval_required",
		}
	case RiskCritical:
		if g.config.RequireJustificationForCritical && action.Justification == "" {
			return Verdict{
				State:     StateDenied,
				Reason:    "critical risk tier requires a non-empty justification",
				AuditHint: "policy_denied_missing_justification",
			}
		}
		return Verdict{
			State:            StateApprovalRequired,
			Reason:           "critical risk tier requires approval with justification",
			RequiredApproval: "two approvers",
			AuditHint:        "policy_approval_required_critical",
		}
	default:
		return Verdict{State: StateDenied, Reason: fmt.Sprintf("unknown risk tier %q", action.RiskTier), AuditHint: "policy_denied_unknown_tier"}
	}
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
