package toolexec

import (
	"context"
	"time"

	"github.com/execplane/plane/policy"
	"github.com/execplane/plane/sandbox"
	"github.com/execplane/plane/validation"
)

// ResourceCheck is one sandbox permission/resource check to run before
// execution, e.g. {"filesystem_write", "/data/out.csv", 0}.
type ResourceCheck struct {
	Kind   string
	Target string
	Amount int64
}

// SchemaCheck validates a call's input or output payload. A nil SchemaCheck
// is treated as an unconditional pass.
type SchemaCheck func(data map[string]interface{}) validation.Result

// Request describes one tool invocation to run through the wrapper.
type Request struct {
	TaskID string
	StepID string
	ToolID string
	Args   map[string]interface{}

	Action      policy.Action
	Principal   policy.Principal
	Permissions sandbox.Permissions
	Checks      []ResourceCheck

	InputSchema  SchemaCheck
	OutputSchema SchemaCheck

	// InputGate and OutputGate, when non-nil, run the CRV pipeline against
	// the call's input and output respectively.
	InputGate  *validation.Pipeline
	OutputGate *validation.Pipeline

	// Run performs the tool's actual side effect inside the sandbox.
	Run func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

	// Compensate undoes Run's effect if an output check or committing the
	// outcome fails after Run has already executed. Optional; when nil,
	// such a failure leaves the call in the needs_manual_intervention
	// terminal state.
	Compensate func(ctx context.Context, args map[string]interface{}, result map[string]interface{}) error

	Timeout time.Duration
}

// OutcomeState is the terminal disposition of one Invoke call.
type OutcomeState string

const (
	StateCommitted               OutcomeState = "committed"
	StateReplayed                OutcomeState = "replayed"
	StateDeniedByPolicy          OutcomeState = "denied_by_policy"
	StateApprovalRequired        OutcomeState = "approval_required"
	StateRejectedByEffort        OutcomeState = "rejected_by_effort"
	StateBlockedByValidation     OutcomeState = "blocked_by_validation"
	StateToolFailed              OutcomeState = "tool_failed"
	StateCompensated             OutcomeState = "compensated"
	StateNeedsManualIntervention OutcomeState = "needs_manual_intervention"
)

// Outcome is the full result of one Invoke call, including every
// intermediate verdict for audit and caller inspection.
type Outcome struct {
	State  OutcomeState
	Result map[string]interface{}

	IdempotencyKey string
	PolicyVerdict  policy.Verdict
	InputGate      validation.GateResult
	OutputGate     validation.GateResult

	Reason      string
	FailureCode validation.FailureCode
	Remediation string
	Err         error
}

func failOutcome(state OutcomeState, code validation.FailureCode, reason string) (*Outcome, error) {
	return &Outcome{
		State:       state,
		Reason:      reason,
		FailureCode: code,
		Remediation: validation.Remediation(code),
	}, nil
}
