package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Call describes one unit of work a Provider executes inside a sandbox.
type Call struct {
	ToolID string
	Args   map[string]interface{}
	Run    func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)
}

// Usage reports the resources a single call consumed.
type Usage struct {
	CPUUnits    int64
	MemoryBytes int64
	WallTimeMS  int64
}

// Provider executes (or simulates) calls inside a sandbox and reports
// measured resource usage. Destroy must be idempotent.
type Provider interface {
	Execute(ctx context.Context, call Call) (result map[string]interface{}, usage Usage, err error)
	Destroy(ctx context.Context) error
}

// SimulationProvider captures intended side effects without performing
// them: it records every call it receives and always reports zero resource
// usage, per spec.md §4.4.
type SimulationProvider struct {
	mu    sync.Mutex
	calls []Call
	destroyed bool
}

// NewSimulationProvider builds an empty simulation provider.
func NewSimulationProvider() *SimulationProvider {
	return &SimulationProvider{}
}

// Execute records the call and returns a synthetic "simulated" result
// without invoking call.Run.
func (p *SimulationProvider) Execute(ctx context.Context, call Call) (map[string]interface{}, Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, Usage{}, fmt.Errorf("sandbox: simulation provider already destroyed")
	}
	p.calls = append(p.calls, call)
	return map[string]interface{}{"simulated": true, "tool_id": call.ToolID}, Usage{}, nil
}

// Calls returns every call captured so far, for dry-run inspection.
func (p *SimulationProvider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *SimulationProvider) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	p.calls = nil
	return nil
}

// ProcessProvider actually performs the call's effect and measures elapsed
// wall time. CPU/memory accounting is left at zero since the plane does not
// shell out to a real OS-level sandbox (cgroups, namespaces) here; a
// production binding would replace this with syscall-level measurement.
type ProcessProvider struct {
	mu        sync.Mutex
	destroyed bool
}

// NewProcessProvider builds a process provider.
func NewProcessProvider() *ProcessProvider {
	return &ProcessProvider{}
}

func (p *ProcessProvider) Execute(ctx context.Context, call Call) (map[string]interface{}, Usage, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, Usage{}, fmt.Errorf("sandbox: process provider already destroyed")
	}
	p.mu.Unlock()

	if call.Run == nil {
		return nil, Usage{}, fmt.Errorf("sandbox: call %q declares no runnable action", call.ToolID)
	}

	start := time.Now()
	result, err := call.Run(ctx, call.Args)
	elapsed := time.Since(start)
	usage := Usage{WallTimeMS: elapsed.Milliseconds()}
	if err != nil {
		return nil, usage, err
	}
	return result, usage, nil
}

func (p *ProcessProvider) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	return nil
}
