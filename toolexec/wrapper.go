package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/execplane/plane/audit"
	"github.com/execplane/plane/core"
	"github.com/execplane/plane/effort"
	"github.com/execplane/plane/policy"
	"github.com/execplane/plane/resilience"
	"github.com/execplane/plane/sandbox"
	"github.com/execplane/plane/storage"
	"github.com/execplane/plane/validation"
)

// ProviderFactory builds the sandbox.Provider a given tool call executes
// under. Most deployments return the same provider for every call; the
// factory exists so a caller can route, say, destructive tools to
// sandbox.NewSimulationProvider and everything else to a process provider.
type ProviderFactory func(req Request) sandbox.Provider

// Wrapper is the single path every side-effecting tool call takes:
//
//  1. input schema check
//  2. policy gate
//  3. effort evaluator (reject short-circuits here)
//  4. CRV input gate
//  5. outbox lookup — a committed entry is replayed without re-executing
//  6. sandboxed execution, permission checks first, bounded by a timeout
//     and wrapped in retry + circuit breaker
//  7. output schema check + CRV output gate
//  8. outbox commit, paired with an audit append
//  9. on output check failure (step 7) or commit failure, run
//     compensation; failure to compensate is a terminal
//     needs_manual_intervention state
type Wrapper struct {
	cfg core.ToolExecConfig

	policyGate *policy.Gate
	effortEval *effort.Evaluator
	providers  ProviderFactory
	outbox     storage.OutboxStore
	auditLog   *audit.Log

	logger    core.Logger
	telemetry core.Telemetry

	mu      sync.Mutex
	circuit map[string]*resilience.CircuitBreaker
}

// Option configures a Wrapper.
type Option func(*Wrapper)

func WithLogger(l core.Logger) Option {
	return func(w *Wrapper) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithTelemetry(t core.Telemetry) Option {
	return func(w *Wrapper) {
		if t != nil {
			w.telemetry = t
		}
	}
}

// NewWrapper builds a Wrapper. providers must not be nil; it supplies the
// sandbox a given request executes under.
func NewWrapper(cfg core.ToolExecConfig, gate *policy.Gate, evaluator *effort.Evaluator, providers ProviderFactory, outbox storage.OutboxStore, auditLog *audit.Log, opts ...Option) *Wrapper {
	w := &Wrapper{
		cfg:        cfg,
		policyGate: gate,
		effortEval: evaluator,
		providers:  providers,
		outbox:     outbox,
		auditLog:   auditLog,
		logger:     &core.NoOpLogger{},
		telemetry:  &core.NoOpTelemetry{},
		circuit:    make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wrapper) breakerFor(toolID string) (*resilience.CircuitBreaker, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.circuit[toolID]; ok {
		return cb, nil
	}
	cfg := resilience.DefaultConfig()
	cfg.Name = toolID
	cfg.Logger = w.logger
	cfg.Telemetry = w.telemetry
	cb, err := resilience.NewCircuitBreaker(cfg)
	if err != nil {
		return nil, err
	}
	w.circuit[toolID] = cb
	return cb, nil
}

// Invoke runs req through the full wrapper pipeline.
func (w *Wrapper) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := w.telemetry.StartSpan(ctx, "toolexec.invoke")
	defer span.End()
	span.SetAttribute("tool_id", req.ToolID)
	span.SetAttribute("task_id", req.TaskID)

	key, err := IdempotencyKey(req.TaskID, req.StepID, req.ToolID, req.Args)
	if err != nil {
		return nil, core.NewFrameworkError("toolexec.Invoke", "toolexec", err)
	}

	// Step 1: input schema check.
	if req.InputSchema != nil {
		if result := req.InputSchema(req.Args); !result.Valid {
			out, _ := failOutcome(StateBlockedByValidation, result.FailureCode, result.Reason)
			return w.record(ctx, req, key, out)
		}
	}

	// Step 2: policy gate.
	verdict := w.policyGate.Evaluate(ctx, req.Principal, req.Action)
	if verdict.State == policy.StateDenied || verdict.State == policy.StateApprovalRequired {
		state := StateDeniedByPolicy
		if verdict.State == policy.StateApprovalRequired {
			state = StateApprovalRequired
		}
		out, _ := failOutcome(state, validation.FailurePolicyViolation, verdict.Reason)
		out.PolicyVerdict = verdict
		return w.record(ctx, req, key, out)
	}

	// Step 3: effort evaluator.
	score, err := w.effortEval.Evaluate(ctx, req.Action, req.ToolID)
	if err != nil {
		return nil, core.NewFrameworkError("toolexec.Invoke", "toolexec", err)
	}
	if score.Verdict == effort.VerdictReject {
		out, _ := failOutcome(StateRejectedByEffort, validation.FailureLowConfidence, score.Reason)
		out.PolicyVerdict = verdict
		return w.record(ctx, req, key, out)
	}

	// Step 4: CRV input gate.
	var inputGate validation.GateResult
	if req.InputGate != nil {
		inputGate = req.InputGate.Run(ctx, validation.Payload{Case: "tool_input", Attributes: req.Args})
		if inputGate.Blocked {
			out, _ := failOutcome(StateBlockedByValidation, inputGate.FailureCode, "CRV input gate blocked the call")
			out.PolicyVerdict = verdict
			out.InputGate = inputGate
			return w.record(ctx, req, key, out)
		}
	}

	// Step 5: outbox lookup — replay a committed call rather than
	// re-executing it.
	existing, inserted, err := w.outbox.Insert(ctx, key)
	if err != nil {
		return nil, core.NewFrameworkError("toolexec.Invoke", "toolexec", err)
	}
	if !inserted && existing.State == storage.OutboxCommitted {
		result, err := decodeResult(existing.ResultBlob)
		if err != nil {
			return nil, core.NewFrameworkError("toolexec.Invoke", "toolexec", err)
		}
		return w.record(ctx, req, key, &Outcome{
			State: StateReplayed, Result: result, IdempotencyKey: key,
			PolicyVerdict: verdict, InputGate: inputGate,
		})
	}

	// Step 6: sandboxed execution.
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	sandboxID := key
	if len(sandboxID) > 16 {
		sandboxID = sandboxID[:16]
	}
	var execResult map[string]interface{}
	execErr := sandbox.WithScope(ctx, sandboxID, req.TaskID, req.Principal.ID, req.Permissions, w.providers(req), func(sb *sandbox.Sandbox) error {
		for _, check := range req.Checks {
			if err := sb.CheckAndReserve(ctx, check.Kind, check.Target, check.Amount); err != nil {
				return err
			}
		}

		cb, err := w.breakerFor(req.ToolID)
		if err != nil {
			return err
		}
		retryCfg := &resilience.RetryConfig{
			MaxAttempts:   w.cfg.MaxAttempts,
			InitialDelay:  w.cfg.InitialInterval,
			MaxDelay:      w.cfg.MaxInterval,
			BackoffFactor: w.cfg.Multiplier,
			JitterEnabled: true,
		}
		return resilience.RetryWithCircuitBreaker(ctx, retryCfg, cb, func() error {
			result, err := sb.Execute(ctx, sandbox.Call{ToolID: req.ToolID, Args: req.Args, Run: req.Run}, timeout)
			if err != nil {
				return err
			}
			execResult = result
			return nil
		})
	})
	if execErr != nil {
		w.outbox.Fail(ctx, key)
		out, _ := failOutcome(StateToolFailed, validation.FailureToolError, execErr.Error())
		out.PolicyVerdict = verdict
		out.InputGate = inputGate
		out.Err = execErr
		return w.record(ctx, req, key, out)
	}

	// Step 7: output schema check + CRV output gate.
	if req.OutputSchema != nil {
		if result := req.OutputSchema(execResult); !result.Valid {
			return w.compensateAndFail(ctx, req, key, verdict, inputGate, execResult, result.FailureCode, result.Reason)
		}
	}
	var outputGate validation.GateResult
	if req.OutputGate != nil {
		outputGate = req.OutputGate.Run(ctx, validation.Payload{Case: "tool_output", Attributes: execResult})
		if outputGate.Blocked {
			return w.compensateAndFail(ctx, req, key, verdict, inputGate, execResult, outputGate.FailureCode, "CRV output gate blocked the result")
		}
	}

	// Step 8: commit.
	blob, err := storage.CanonicalJSON(execResult)
	if err != nil {
		return nil, core.NewFrameworkError("toolexec.Invoke", "toolexec", err)
	}
	if err := w.outbox.Commit(ctx, key, blob); err != nil {
		return w.compensateAndFail(ctx, req, key, verdict, inputGate, execResult, validation.FailureToolError, fmt.Sprintf("outbox commit failed: %v", err))
	}

	out := &Outcome{
		State: StateCommitted, Result: execResult, IdempotencyKey: key,
		PolicyVerdict: verdict, InputGate: inputGate, OutputGate: outputGate,
	}
	return w.record(ctx, req, key, out)
}

// compensateAndFail runs req.Compensate (if set) after execution has
// already happened but an output check or the outbox commit failed, then marks the
// outbox entry failed and returns the appropriate terminal state.
func (w *Wrapper) compensateAndFail(ctx context.Context, req Request, key string, verdict policy.Verdict, inputGate validation.GateResult, execResult map[string]interface{}, code validation.FailureCode, reason string) (*Outcome, error) {
	state := StateCompensated
	var compErr error
	if req.Compensate != nil {
		compErr = req.Compensate(ctx, req.Args, execResult)
	}
	w.outbox.Fail(ctx, key)
	if req.Compensate == nil || compErr != nil {
		state = StateNeedsManualIntervention
	}
	out, _ := failOutcome(state, code, reason)
	out.Result = execResult
	out.PolicyVerdict = verdict
	out.InputGate = inputGate
	out.Err = compErr
	return w.record(ctx, req, key, out)
}

// record appends an audit entry for the outcome and returns it.
func (w *Wrapper) record(ctx context.Context, req Request, key string, out *Outcome) (*Outcome, error) {
	if w.auditLog != nil {
		entry := audit.Entry{
			Timestamp:  timeNow(),
			Actor:      req.Principal.ID,
			Action:     req.ToolID,
			TaskID:     req.TaskID,
			StepID:     req.StepID,
			StateAfter: out.Result,
			Diff: map[string]interface{}{
				"idempotency_key": key,
				"state":           string(out.State),
			},
		}
		if _, err := w.auditLog.Append(ctx, entry); err != nil {
			w.logger.Error("toolexec: failed to append audit entry", map[string]interface{}{
				"tool_id": req.ToolID, "error": err.Error(),
			})
		}
	}
	return out, nil
}

func decodeResult(blob []byte) (map[string]interface{}, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(blob, &result); err != nil {
		return nil, fmt.Errorf("toolexec: decode outbox result: %w", err)
	}
	return result, nil
}

// timeNow is a seam so tests could substitute a fixed clock; production
// code always calls the real time package.
var timeNow = func() time.Time { return time.Now() }
