// Package validation implements the CRV (Circuit Reasoning Validation)
// pipeline: a sequence of pure operators that extract, normalize, compare,
// and verify data produced or consumed by a tool call, folding the results
// into an allow/block/escalate decision.
package validation

import "github.com/execplane/plane/core"

// FailureCode is the closed failure taxonomy every validation result is
// classified into.
type FailureCode string

const (
	FailureMissingData    FailureCode = "missing_data"
	FailureConflict       FailureCode = "conflict"
	FailureOutOfScope     FailureCode = "out_of_scope"
	FailureLowConfidence  FailureCode = "low_confidence"
	FailurePolicyViolation FailureCode = "policy_violation"
	FailureToolError      FailureCode = "tool_error"
	FailureNonDeterminism FailureCode = "non_determinism"
)

// remediationCatalog maps each failure code to a fixed remediation hint, per
// spec.md §7: "Every failure carries a remediation string drawn from a fixed
// catalog indexed by failure code."
var remediationCatalog = map[FailureCode]string{
	FailureMissingData:     "supply the missing field and retry",
	FailureConflict:        "reconcile the conflicting values before retrying",
	FailureOutOfScope:      "the action falls outside the declared scope; adjust the request",
	FailureLowConfidence:   "escalate for human confirmation",
	FailurePolicyViolation: "request elevated permission or choose a permitted action",
	FailureToolError:       "inspect the tool error and retry with a fixed alternative",
	FailureNonDeterminism:  "rerun with pinned inputs; result was not reproducible",
}

// Remediation returns the fixed remediation hint for code.
func Remediation(code FailureCode) string {
	return remediationCatalog[code]
}

// Result is the output of a single operator or validator.
type Result struct {
	Valid       bool
	Reason      string
	Confidence  float64
	FailureCode FailureCode
	Remediation string
	Metadata    map[string]interface{}
}

// Fail builds a failing Result with its remediation hint pre-filled.
func Fail(code FailureCode, reason string) Result {
	return Result{
		Valid:       false,
		Reason:      reason,
		FailureCode: code,
		Remediation: Remediation(code),
	}
}

// Pass builds a successful Result at the given confidence.
func Pass(reason string, confidence float64) Result {
	return Result{Valid: true, Reason: reason, Confidence: confidence}
}

// GateStatus is the terminal status of a Gate's accumulated results.
type GateStatus string

const (
	GatePassed  GateStatus = "passed"
	GateWarning GateStatus = "warning"
	GateBlocked GateStatus = "blocked"
)

// GateResult aggregates every operator result produced while running a
// pipeline, plus the terminal status.
type GateResult struct {
	Status      GateStatus
	Results     []Result
	Blocked     bool
	FailureCode FailureCode
	Remediation string
}

// wrapErr wraps err with the validation operation name, matching
// the plane-wide FrameworkError convention.
func wrapErr(op string, err error) error {
	return core.NewFrameworkError(op, "validation", err)
}
