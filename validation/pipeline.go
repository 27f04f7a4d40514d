package validation

import (
	"context"
	"fmt"

	"github.com/execplane/plane/core"
)

// Pipeline runs an ordered list of Operators, feeding each operator's output
// as the next operator's input, accumulating a Result per stage.
type Pipeline struct {
	Name               string
	Operators          []Operator
	StopOnFirstFailure bool
	Recovery           RecoveryStrategy

	logger core.Logger
}

// NewPipeline builds a Pipeline from cfg-driven defaults.
func NewPipeline(name string, cfg core.ValidationConfig, operators ...Operator) *Pipeline {
	return &Pipeline{
		Name:               name,
		Operators:          operators,
		StopOnFirstFailure: cfg.StopOnFirstFailure,
		logger:             &core.NoOpLogger{},
	}
}

// WithLogger attaches a logger used to trace per-operator outcomes.
func (p *Pipeline) WithLogger(l core.Logger) *Pipeline {
	if l != nil {
		p.logger = l
	}
	return p
}

// Run executes every operator in order, returning the aggregated GateResult.
// When StopOnFirstFailure is set, execution halts at the first invalid
// result; otherwise every operator runs regardless of prior failures.
func (p *Pipeline) Run(ctx context.Context, input Payload) GateResult {
	gate := GateResult{Status: GatePassed}
	current := input

	for _, op := range p.Operators {
		invariant := op.ValidateInvariants(current, nil)
		if !invariant.Valid {
			gate.Results = append(gate.Results, invariant)
			p.logger.Warn("validation operator invariant failed", map[string]interface{}{
				"pipeline": p.Name, "operator": op.Name(), "reason": invariant.Reason,
			})
			gate.block(invariant)
			if p.StopOnFirstFailure {
				return gate
			}
			continue
		}

		output, err := op.Execute(ctx, current)
		if err != nil {
			failure := Fail(FailureToolError, fmt.Sprintf("%s: %v", op.Name(), err))
			gate.Results = append(gate.Results, failure)
			gate.block(failure)
			if p.StopOnFirstFailure {
				return gate
			}
			continue
		}

		for _, oracle := range op.RunOracleChecks(current, output) {
			gate.Results = append(gate.Results, oracle)
			if !oracle.Valid {
				gate.block(oracle)
				if p.StopOnFirstFailure {
					return gate
				}
			}
		}

		current = output
	}

	if gate.Status == GatePassed {
		gate.Results = append(gate.Results, Pass("pipeline completed", 1.0))
	}
	return gate
}

func (g *GateResult) block(r Result) {
	g.Status = GateBlocked
	g.Blocked = true
	if g.FailureCode == "" {
		g.FailureCode = r.FailureCode
		g.Remediation = r.Remediation
	}
}

// RecoveryStrategyKind enumerates the pluggable recovery strategies a
// pipeline may declare for when it fails.
type RecoveryStrategyKind string

const (
	RecoveryRetryAltTool RecoveryStrategyKind = "retry_alt_tool"
	RecoveryAskUser      RecoveryStrategyKind = "ask_user"
	RecoveryEscalate     RecoveryStrategyKind = "escalate"
	RecoveryIgnore       RecoveryStrategyKind = "ignore"
)

// RecoveryStrategy describes what to do when a pipeline fails.
type RecoveryStrategy struct {
	Kind          RecoveryStrategyKind
	AltTool       string
	MaxRetries    int
	Prompt        string
	Reason        string
	Justification string
}

// RecoveryOutcome is the result of running a RecoveryExecutor.
type RecoveryOutcome struct {
	Success bool
	Result  interface{}
}

// RecoveryExecutor carries out the externally-driven recovery strategies
// (retry_alt_tool, ask_user, escalate). The "ignore" strategy is
// self-contained and never reaches an executor.
type RecoveryExecutor interface {
	Execute(ctx context.Context, strategy RecoveryStrategy, failureContext GateResult) (RecoveryOutcome, error)
}

// ApplyRecovery runs the pipeline's declared recovery strategy against a
// failed GateResult. "ignore" always reports success without calling exec.
func ApplyRecovery(ctx context.Context, exec RecoveryExecutor, strategy RecoveryStrategy, failure GateResult) (RecoveryOutcome, error) {
	if strategy.Kind == RecoveryIgnore {
		return RecoveryOutcome{Success: true}, nil
	}
	if exec == nil {
		return RecoveryOutcome{}, fmt.Errorf("validation: no recovery executor configured for strategy %q", strategy.Kind)
	}
	return exec.Execute(ctx, strategy, failure)
}
