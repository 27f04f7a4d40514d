package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is(). Components wrap these with
// FrameworkError for context rather than defining ad-hoc error strings.
var (
	// Commit / pipeline errors
	ErrCommitRejected  = errors.New("commit rejected")
	ErrPipelineStopped = errors.New("validation pipeline stopped")
	ErrInvariantFailed = errors.New("operator invariant violated")

	// Policy errors
	ErrPermissionDenied = errors.New("principal lacks required permission")
	ErrPolicyDenied     = errors.New("policy gate denied action")
	ErrApprovalRequired = errors.New("action requires human approval")

	// Effort evaluator errors
	ErrEffortRejected = errors.New("effort evaluator rejected action")

	// Sandbox errors
	ErrSandboxDenied    = errors.New("sandbox permission check denied")
	ErrResourceExceeded = errors.New("sandbox resource limit exceeded")
	ErrEscalationDenied = errors.New("escalation request denied")
	ErrSandboxDestroyed = errors.New("sandbox already destroyed")

	// Tool execution errors
	ErrToolTimeout        = errors.New("tool execution timed out")
	ErrToolFailed         = errors.New("tool execution failed")
	ErrCompensationFailed = errors.New("compensation action failed")

	// Outbox errors
	ErrOutboxConflict = errors.New("outbox entry already exists for idempotency key")

	// Audit / chain errors
	ErrChainBroken        = errors.New("audit chain integrity check failed")
	ErrSnapshotUnverified = errors.New("rollback target snapshot is not verified")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Generic operational errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrAlreadyStarted       = errors.New("already started")
	ErrNotInitialized       = errors.New("not initialized")
	ErrTimeout              = errors.New("operation timeout")
	ErrContextCanceled      = errors.New("context canceled")
	ErrMaxRetriesExceeded   = errors.New("maximum retries exceeded")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrNotFound             = errors.New("not found")
)

// FrameworkError carries structured context around a wrapped error: which
// operation failed, what kind of entity it concerned, and the underlying
// cause. Every layer of the plane reports failures this way rather than
// raw error strings.
type FrameworkError struct {
	Op      string // e.g. "policy.Evaluate", "toolexec.Invoke"
	Kind    string // e.g. "policy", "sandbox", "audit"
	ID      string // optional identifier of the entity involved
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError wrapping err.
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether err is a transient condition worth retrying
// under the wrapper's backoff policy (spec.md §7).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrContextCanceled)
}

// IsConfigurationError reports whether err stems from invalid or missing
// configuration.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) || errors.Is(err, ErrMissingConfiguration)
}

// IsStateError reports whether err reflects an invalid lifecycle transition.
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) || errors.Is(err, ErrNotInitialized)
}

// IsNotFound reports whether err represents a missing entity lookup.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
