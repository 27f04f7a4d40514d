package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/execplane/plane/core"
	"github.com/execplane/plane/storage"
)

// CaptureFunc produces the current domain state to snapshot.
type CaptureFunc func(ctx context.Context) (map[string]interface{}, error)

// VerifyFunc independently confirms a captured snapshot is trustworthy
// (e.g. a checksum against the live system) before it is marked Verified.
// A nil VerifyFunc marks every snapshot verified unconditionally.
type VerifyFunc func(ctx context.Context, snapshot Snapshot) bool

// SnapshotManager runs in the background for the life of a workflow,
// deciding when accumulated state changes, memory writes, and elapsed time
// justify persisting a new snapshot.
//
// Trigger condition, per spec.md's open question on snapshot cadence: an
// activity score — any monotone function of (state_changes, memory_writes,
// time_elapsed) — crosses 1.0, where each term is normalized by its
// configured threshold. MaxSnapshotInterval is a forced upper bound:
// elapsed time alone crossing it triggers a snapshot regardless of the
// other two terms, so a quiet workflow still gets periodic coverage.
type SnapshotManager struct {
	cfg     core.MemoryConfig
	store   storage.SnapshotStore
	capture CaptureFunc
	verify  VerifyFunc
	logger  core.Logger

	workflowID string

	stateChanges int64
	memoryWrites int64
	lastSnapshot atomic.Value // time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a SnapshotManager.
type Option func(*SnapshotManager)

func WithLogger(l core.Logger) Option {
	return func(m *SnapshotManager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithVerifier(v VerifyFunc) Option {
	return func(m *SnapshotManager) { m.verify = v }
}

// NewSnapshotManager builds a manager for workflowID, persisting via store.
func NewSnapshotManager(cfg core.MemoryConfig, store storage.SnapshotStore, workflowID string, capture CaptureFunc, opts ...Option) *SnapshotManager {
	m := &SnapshotManager{
		cfg: cfg, store: store, capture: capture, workflowID: workflowID,
		logger: &core.NoOpLogger{},
	}
	m.lastSnapshot.Store(time.Now())
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordStateChange registers one unit of state-changing activity.
func (m *SnapshotManager) RecordStateChange() {
	atomic.AddInt64(&m.stateChanges, 1)
}

// RecordMemoryWrite registers one unit of memory-write activity.
func (m *SnapshotManager) RecordMemoryWrite() {
	atomic.AddInt64(&m.memoryWrites, 1)
}

// activityScore is the normalized, monotone trigger function described in
// the SnapshotManager doc comment.
func (m *SnapshotManager) activityScore(now time.Time) float64 {
	changes := float64(atomic.LoadInt64(&m.stateChanges))
	writes := float64(atomic.LoadInt64(&m.memoryWrites))
	elapsed := now.Sub(m.lastSnapshot.Load().(time.Time))

	changeTerm := changes / float64(max1(m.cfg.StateChangeThreshold))
	writeTerm := writes / float64(max1(m.cfg.MemoryWriteThreshold))
	timeTerm := float64(elapsed) / float64(max1Duration(m.cfg.SnapshotInterval))

	return changeTerm + writeTerm + timeTerm
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func max1Duration(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute
	}
	return d
}

// Start runs the background trigger loop until ctx is canceled or Stop is
// called. pollInterval controls how often the activity score is
// re-evaluated; it should be a small fraction of SnapshotInterval.
func (m *SnapshotManager) Start(ctx context.Context, pollInterval time.Duration) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				forced := now.Sub(m.lastSnapshot.Load().(time.Time)) >= m.cfg.MaxSnapshotInterval
				if forced || m.activityScore(now) >= 1.0 {
					if _, err := m.Snapshot(runCtx); err != nil {
						m.logger.Error("memory: background snapshot failed", map[string]interface{}{
							"workflow_id": m.workflowID, "error": err.Error(),
						})
					}
				}
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (m *SnapshotManager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Snapshot captures current state immediately, persists it, and resets the
// activity counters. Safe to call directly (e.g. at task completion) in
// addition to the background trigger.
func (m *SnapshotManager) Snapshot(ctx context.Context) (Snapshot, error) {
	state, err := m.capture(ctx)
	if err != nil {
		return Snapshot{}, core.NewFrameworkError("memory.Snapshot", "memory", err)
	}

	snap := Snapshot{
		ID:         snapshotID(m.workflowID, time.Now()),
		WorkflowID: m.workflowID,
		CreatedAt:  time.Now(),
		Tier:       TierHot,
		Kind:       "state",
		State:      state,
	}
	if m.verify != nil {
		snap.Verified = m.verify(ctx, snap)
	} else {
		snap.Verified = true
	}

	data, err := storage.CanonicalJSON(snap)
	if err != nil {
		return Snapshot{}, core.NewFrameworkError("memory.Snapshot", "memory", err)
	}
	if err := m.store.Save(ctx, storage.SnapshotRecord{ID: snap.ID, Data: data, Verified: snap.Verified}); err != nil {
		return Snapshot{}, core.NewFrameworkError("memory.Snapshot", "memory", err)
	}

	atomic.StoreInt64(&m.stateChanges, 0)
	atomic.StoreInt64(&m.memoryWrites, 0)
	m.lastSnapshot.Store(snap.CreatedAt)

	m.logger.Info("memory: snapshot persisted", map[string]interface{}{
		"workflow_id": m.workflowID, "snapshot_id": snap.ID, "verified": snap.Verified,
	})
	return snap, nil
}

func snapshotID(workflowID string, t time.Time) string {
	return workflowID + ":" + t.UTC().Format(time.RFC3339Nano)
}
