// Package plane assembles every subsystem — validation, the policy gate,
// the effort evaluator, sandboxed tool execution, the audit log, and
// working memory — behind a single Submit call, the entry point an
// autonomous agent's action loop calls for every side-effecting step.
package plane

import (
	"context"
	"fmt"
	"time"

	"github.com/execplane/plane/audit"
	"github.com/execplane/plane/core"
	"github.com/execplane/plane/effort"
	"github.com/execplane/plane/memory"
	"github.com/execplane/plane/pkg/logger"
	"github.com/execplane/plane/policy"
	"github.com/execplane/plane/sandbox"
	"github.com/execplane/plane/storage"
	"github.com/execplane/plane/toolexec"
	"github.com/execplane/plane/validation"
)

// Plane is the assembled control plane: every subsystem wired together
// behind Submit.
type Plane struct {
	cfg *core.Config

	policyGate *policy.Gate
	effortEval *effort.Evaluator
	wrapper    *toolexec.Wrapper
	auditLog   *audit.Log
	snapshots  *memory.SnapshotManager
	rollback   *memory.RollbackManager

	logger    core.Logger
	telemetry core.Telemetry
}

// Option configures a Plane at construction, beyond what core.Config
// carries (concrete store implementations, scorers, capture functions).
type Option struct {
	apply func(*buildState)
}

type buildState struct {
	cfg            *core.Config
	snapshotStore  storage.SnapshotStore
	auditStore     storage.AuditStore
	outboxStore    storage.OutboxStore
	scorer         effort.WorldModelScorer
	providers      toolexec.ProviderFactory
	captureState   memory.CaptureFunc
	verifySnapshot memory.VerifyFunc
	logger         core.Logger
	telemetry      core.Telemetry
}

// WithSnapshotStore overrides the default in-memory snapshot store.
func WithSnapshotStore(store storage.SnapshotStore) Option {
	return Option{func(b *buildState) { b.snapshotStore = store }}
}

// WithAuditStore overrides the default in-memory audit store.
func WithAuditStore(store storage.AuditStore) Option {
	return Option{func(b *buildState) { b.auditStore = store }}
}

// WithOutboxStore overrides the default in-memory outbox store, e.g. with
// storage/redisstore.OutboxStore for a multi-process deployment.
func WithOutboxStore(store storage.OutboxStore) Option {
	return Option{func(b *buildState) { b.outboxStore = store }}
}

// WithWorldModelScorer overrides the default static effort scorer.
func WithWorldModelScorer(scorer effort.WorldModelScorer) Option {
	return Option{func(b *buildState) { b.scorer = scorer }}
}

// WithProviderFactory overrides the default (simulation-only) sandbox
// provider factory.
func WithProviderFactory(f toolexec.ProviderFactory) Option {
	return Option{func(b *buildState) { b.providers = f }}
}

// WithStateCapture supplies the function the memory subsystem calls to
// snapshot current workflow state. Required for Start to have any effect.
func WithStateCapture(f memory.CaptureFunc) Option {
	return Option{func(b *buildState) { b.captureState = f }}
}

// WithSnapshotVerifier overrides the default (always-verified) snapshot
// verification function.
func WithSnapshotVerifier(f memory.VerifyFunc) Option {
	return Option{func(b *buildState) { b.verifySnapshot = f }}
}

// WithLogger attaches a logger shared across every subsystem.
func WithLogger(l core.Logger) Option {
	return Option{func(b *buildState) { b.logger = l }}
}

// WithTelemetry attaches a telemetry sink shared across every subsystem.
func WithTelemetry(t core.Telemetry) Option {
	return Option{func(b *buildState) { b.telemetry = t }}
}

// New assembles a Plane from cfg and the supplied options. It does not
// start the background snapshot loop; call Start for that. Snapshots use
// cfg.ID as their workflow ID.
func New(ctx context.Context, cfg *core.Config, opts ...Option) (*Plane, error) {
	if cfg == nil {
		var err error
		cfg, err = core.NewConfig()
		if err != nil {
			return nil, fmt.Errorf("plane: default config: %w", err)
		}
	}

	defaultLogger := cfg.Logger()
	if defaultLogger == nil {
		defaultLogger = logger.NewSimpleLogger(cfg.Logging, cfg.Name)
	}

	b := &buildState{
		cfg:           cfg,
		snapshotStore: storage.NewInMemorySnapshotStore(),
		auditStore:    storage.NewInMemoryAuditStore(),
		outboxStore:   storage.NewInMemoryOutboxStore(),
		scorer:        effort.NewStaticScorer(),
		providers:     func(toolexec.Request) sandbox.Provider { return sandbox.NewSimulationProvider() },
		logger:        defaultLogger,
		telemetry:     &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt.apply(b)
	}

	auditLog, err := audit.NewLog(ctx, b.auditStore, b.logger)
	if err != nil {
		return nil, fmt.Errorf("plane: audit log: %w", err)
	}

	gate := policy.NewGate(cfg.Policy, policy.WithLogger(b.logger), policy.WithTelemetry(b.telemetry))
	evaluator := effort.NewEvaluator(cfg.Effort, b.scorer, effort.NewMetricsAggregator()).WithLogger(b.logger)
	wrapper := toolexec.NewWrapper(cfg.ToolExec, gate, evaluator, b.providers, b.outboxStore, auditLog,
		toolexec.WithLogger(b.logger), toolexec.WithTelemetry(b.telemetry))

	var snapshots *memory.SnapshotManager
	if b.captureState != nil {
		snapshots = memory.NewSnapshotManager(cfg.Memory, b.snapshotStore, cfg.ID, b.captureState,
			memory.WithLogger(b.logger), memory.WithVerifier(b.verifySnapshot))
	}
	rollback := memory.NewRollbackManager(b.snapshotStore, auditLog, b.logger)

	return &Plane{
		cfg: cfg, policyGate: gate, effortEval: evaluator, wrapper: wrapper,
		auditLog: auditLog, snapshots: snapshots, rollback: rollback,
		logger: b.logger, telemetry: b.telemetry,
	}, nil
}

// Start begins the background snapshot trigger loop, if a state-capture
// function was configured via WithStateCapture.
func (p *Plane) Start(ctx context.Context, pollInterval time.Duration) {
	if p.snapshots != nil {
		p.snapshots.Start(ctx, pollInterval)
	}
}

// Stop halts the background snapshot loop.
func (p *Plane) Stop() {
	if p.snapshots != nil {
		p.snapshots.Stop()
	}
}

// Submit runs req through the full wrapper pipeline (validation, policy,
// effort, CRV, sandboxed execution, audit) and records activity against
// the memory subsystem's trigger counters.
func (p *Plane) Submit(ctx context.Context, req toolexec.Request) (*toolexec.Outcome, error) {
	outcome, err := p.wrapper.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if p.snapshots != nil {
		p.snapshots.RecordStateChange()
		if outcome.State == toolexec.StateCommitted {
			p.snapshots.RecordMemoryWrite()
		}
	}
	return outcome, nil
}

// RollbackToLastVerified restores workflowID's last verified memory
// snapshot, discarding any unverified work built on top of it.
func (p *Plane) RollbackToLastVerified(ctx context.Context, workflowID string) (memory.Snapshot, error) {
	return p.rollback.RollbackToLastVerified(ctx, workflowID)
}

// PolicyGate exposes the underlying Goal-Guard gate for direct evaluation
// (e.g. a pre-flight check before building a full toolexec.Request).
func (p *Plane) PolicyGate() *policy.Gate { return p.policyGate }

// EffortEvaluator exposes the underlying effort evaluator.
func (p *Plane) EffortEvaluator() *effort.Evaluator { return p.effortEval }

// AuditLog exposes the underlying hash-chained audit log for querying.
func (p *Plane) AuditLog() *audit.Log { return p.auditLog }

// NewCRVPipeline is a convenience constructor for building a per-tool CRV
// pipeline from cfg's StopOnFirstFailure default.
func (p *Plane) NewCRVPipeline(name string, operators ...validation.Operator) *validation.Pipeline {
	return validation.NewPipeline(name, p.cfg.Validation, operators...).WithLogger(p.logger)
}
