package sandbox

import (
	"context"
	"fmt"
	"sync/atomic"
)

// EscalationRequest describes a denied check the caller wants escalated.
type EscalationRequest struct {
	PrincipalID string
	Resource    string
	Reason      string
}

// EscalationResponse is the escalation handler's answer.
type EscalationResponse struct {
	Granted        bool
	ApproverID     string
	NewPermissions *Permissions // present only when Granted
}

// EscalationHandler routes a denied check to an approver, synchronously
// (auto-deny) or asynchronously (awaits a human). Implementations supplied
// by the caller; the plane ships no default beyond AutoDenyHandler.
type EscalationHandler interface {
	RequestEscalation(ctx context.Context, req EscalationRequest) (EscalationResponse, error)
}

// AutoDenyHandler always denies, for deployments that never want automatic
// escalation.
type AutoDenyHandler struct{}

func (AutoDenyHandler) RequestEscalation(ctx context.Context, req EscalationRequest) (EscalationResponse, error) {
	return EscalationResponse{Granted: false}, nil
}

// EscalationManager routes denied checks to a handler and, on approval,
// mutates the sandbox's permission snapshot for the remainder of its life.
// Per spec.md §9's open-question resolution, a grant never outlives the
// sandbox: Destroy discards it, and a freshly constructed sandbox always
// starts from its configured permissions.
type EscalationManager struct {
	handler EscalationHandler
	checker atomic.Value // holds *PermissionChecker
}

// NewEscalationManager builds a manager over an initial checker, routing
// denied-and-escalatable checks to handler.
func NewEscalationManager(checker *PermissionChecker, handler EscalationHandler) *EscalationManager {
	if handler == nil {
		handler = AutoDenyHandler{}
	}
	m := &EscalationManager{handler: handler}
	m.checker.Store(checker)
	return m
}

// Checker returns the manager's current permission checker.
func (m *EscalationManager) Checker() *PermissionChecker {
	return m.checker.Load().(*PermissionChecker)
}

// Escalate requests escalation for a denied, escalatable check. On grant,
// it atomically swaps the manager's checker to the merged permissions and
// returns a granted result.
func (m *EscalationManager) Escalate(ctx context.Context, req EscalationRequest, merge func(Permissions) Permissions) (EscalationResponse, error) {
	resp, err := m.handler.RequestEscalation(ctx, req)
	if err != nil {
		return EscalationResponse{}, fmt.Errorf("sandbox: escalation request failed: %w", err)
	}
	if resp.Granted {
		current := m.Checker()
		next := current.Permissions()
		if merge != nil {
			next = merge(next)
		} else if resp.NewPermissions != nil {
			next = *resp.NewPermissions
		}
		m.checker.Store(current.Replace(next))
	}
	return resp, nil
}
