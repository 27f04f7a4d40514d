package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/execplane/plane/core"
)

// Lifecycle event types logged by a Sandbox. These match the telemetry
// event type names from spec.md §6.
const (
	EventCreated           = "sandbox_created"
	EventDestroyed         = "sandbox_destroyed"
	EventPermissionCheck   = "permission_check"
	EventEscalationRequest = "escalation_requested"
)

// LifecycleLogger receives structured sandbox lifecycle events. audit.Log
// satisfies a narrower contract; callers adapt as needed.
type LifecycleLogger interface {
	LogSandboxEvent(ctx context.Context, fields map[string]interface{})
}

// Sandbox bundles the permission checker, resource accountant, escalation
// manager, and execution provider for one tool invocation's lifetime.
type Sandbox struct {
	ID          string
	WorkflowID  string
	PrincipalID string

	escalation *EscalationManager
	accountant *ResourceAccountant
	provider   Provider
	logger     core.Logger
	audit      LifecycleLogger

	destroyed bool
}

// Option configures a Sandbox at construction.
type Option func(*Sandbox)

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(s *Sandbox) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAudit attaches a lifecycle audit sink.
func WithAudit(a LifecycleLogger) Option {
	return func(s *Sandbox) { s.audit = a }
}

// WithEscalationHandler attaches a non-default escalation handler.
func WithEscalationHandler(h EscalationHandler) Option {
	return func(s *Sandbox) {
		s.escalation = NewEscalationManager(s.escalation.Checker(), h)
	}
}

// New builds a Sandbox with the given id, permissions, and provider.
func New(id, workflowID, principalID string, perms Permissions, provider Provider, opts ...Option) *Sandbox {
	s := &Sandbox{
		ID:          id,
		WorkflowID:  workflowID,
		PrincipalID: principalID,
		escalation:  NewEscalationManager(NewPermissionChecker(perms), nil),
		accountant:  NewResourceAccountant(),
		provider:    provider,
		logger:      &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logEvent(context.Background(), EventCreated, nil)
	return s
}

func (s *Sandbox) logEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	fields := map[string]interface{}{
		"sandbox_id":   s.ID,
		"workflow_id":  s.WorkflowID,
		"principal_id": s.PrincipalID,
		"event_type":   eventType,
	}
	for k, v := range data {
		fields[k] = v
	}
	if s.audit != nil {
		s.audit.LogSandboxEvent(ctx, fields)
	}
	s.logger.Info("sandbox event", fields)
}

// CheckAndReserve runs a permission check for kind/target and, on success,
// reserves amount against the accountant. On denial, if the check permits
// escalation, it synchronously requests one via the configured handler
// before failing.
func (s *Sandbox) CheckAndReserve(ctx context.Context, kind, target string, amount int64) error {
	checker := s.escalation.Checker()

	var result CheckResult
	switch kind {
	case "filesystem_read":
		result = checker.CheckFilesystemRead(target)
	case "filesystem_write":
		result = checker.CheckFilesystemWrite(target)
	case "capability":
		result = checker.CheckCapability(target)
	case "env_var":
		result = checker.CheckEnvVar(target)
	default:
		result = s.accountant.Reserve(checker, kind, amount)
	}

	s.logEvent(ctx, EventPermissionCheck, map[string]interface{}{
		"tool_id": target, "granted": result.Granted, "reason": result.Reason,
	})

	if result.Granted {
		return nil
	}
	if !result.CanEscalate {
		return fmt.Errorf("%w: %s", core.ErrSandboxDenied, result.Reason)
	}

	resp, err := s.escalation.Escalate(ctx, EscalationRequest{
		PrincipalID: s.PrincipalID, Resource: target, Reason: result.Reason,
	}, nil)
	s.logEvent(ctx, EventEscalationRequest, map[string]interface{}{
		"resource": target, "granted": resp.Granted,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrEscalationDenied, err)
	}
	if !resp.Granted {
		return fmt.Errorf("%w: %s", core.ErrEscalationDenied, result.Reason)
	}
	return nil
}

// Execute runs call via the sandbox's provider, bounded by a wall-clock
// timeout, and records the resulting resource usage.
func (s *Sandbox) Execute(ctx context.Context, call Call, timeout time.Duration) (map[string]interface{}, error) {
	if s.destroyed {
		return nil, core.ErrSandboxDestroyed
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, usage, err := s.provider.Execute(ctx, call)
	s.accountant.add("cpu", usage.CPUUnits)
	s.accountant.add("memory", usage.MemoryBytes)
	s.accountant.add("execution_time_ms", usage.WallTimeMS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrToolFailed, err)
	}
	return result, nil
}

// Destroy idempotently tears down the sandbox's provider and, per spec.md
// §9's open-question resolution, discards any permission grants made via
// escalation: a future sandbox always begins from its configured
// permissions, never from a prior grant.
func (s *Sandbox) Destroy(ctx context.Context) error {
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	s.logEvent(ctx, EventDestroyed, s.accountant.Snapshot())
	return s.provider.Destroy(ctx)
}

// WithScope runs fn with a freshly constructed sandbox, guaranteeing
// Destroy runs on every exit path (success, panic-free failure, or
// cancellation), matching spec.md §5's "scoped acquisition" requirement.
func WithScope(ctx context.Context, id, workflowID, principalID string, perms Permissions, provider Provider, fn func(*Sandbox) error, opts ...Option) error {
	sb := New(id, workflowID, principalID, perms, provider, opts...)
	defer sb.Destroy(ctx)
	return fn(sb)
}
