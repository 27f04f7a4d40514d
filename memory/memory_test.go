package memory

import (
	"context"
	"testing"
	"time"

	"github.com/execplane/plane/audit"
	"github.com/execplane/plane/core"
	"github.com/execplane/plane/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotPersistsAndResetsCounters(t *testing.T) {
	store := storage.NewInMemorySnapshotStore()
	cfg := core.MemoryConfig{
		SnapshotInterval: time.Minute, MaxSnapshotInterval: time.Hour,
		StateChangeThreshold: 10, MemoryWriteThreshold: 10, RetainCount: 5, HighAccessCountHoldTier: 25,
	}
	mgr := NewSnapshotManager(cfg, store, "wf-1", func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"counter": 42}, nil
	})

	mgr.RecordStateChange()
	mgr.RecordMemoryWrite()

	snap, err := mgr.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wf-1", snap.WorkflowID)
	assert.True(t, snap.Verified)
	assert.Equal(t, TierHot, snap.Tier)

	rec, ok, err := store.Load(context.Background(), snap.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Verified)
}

func TestActivityScoreCrossesThresholdOnStateChanges(t *testing.T) {
	cfg := core.MemoryConfig{
		SnapshotInterval: time.Hour, MaxSnapshotInterval: 24 * time.Hour,
		StateChangeThreshold: 10, MemoryWriteThreshold: 1000,
	}
	store := storage.NewInMemorySnapshotStore()
	mgr := NewSnapshotManager(cfg, store, "wf-2", func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	for i := 0; i < 9; i++ {
		mgr.RecordStateChange()
	}
	assert.Less(t, mgr.activityScore(time.Now()), 1.0)

	mgr.RecordStateChange()
	assert.GreaterOrEqual(t, mgr.activityScore(time.Now()), 1.0)
}

func TestRetentionManagerHoldsHighAccessSnapshots(t *testing.T) {
	cfg := core.MemoryConfig{RetainCount: 2, HighAccessCountHoldTier: 5}
	rm := NewRetentionManager(cfg)

	snap := Snapshot{Tier: TierCold, AccessCount: 10, CreatedAt: time.Now().Add(-24 * time.Hour)}
	decision := rm.Evaluate(snap, 99) // far outside the retain-count window

	assert.True(t, decision.Keep)
	assert.Equal(t, TierCold, decision.NextTier, "high access count must hold the current tier")
}

func TestRetentionManagerAgesOutOldSnapshots(t *testing.T) {
	cfg := core.MemoryConfig{RetainCount: 2, HighAccessCountHoldTier: 100}
	rm := NewRetentionManager(cfg)

	snap := Snapshot{Tier: TierCold, AccessCount: 0, CreatedAt: time.Now().Add(-24 * time.Hour)}
	decision := rm.Evaluate(snap, 99)

	assert.False(t, decision.Keep)
	assert.Equal(t, TierArchived, decision.NextTier)
}

func TestCompactTruncateKeepsNewestOnly(t *testing.T) {
	now := time.Now()
	snapshots := []Snapshot{
		{ID: "a", CreatedAt: now.Add(-2 * time.Hour), State: map[string]interface{}{"x": 1.0}, Verified: true},
		{ID: "b", CreatedAt: now.Add(-1 * time.Hour), State: map[string]interface{}{"x": 2.0}, Verified: true},
	}
	summary, err := Compact(snapshots, CompactTruncate, CompactOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, summary.State["x"])
	assert.Equal(t, TierArchived, summary.Tier)
	assert.Equal(t, "snapshot", summary.Kind)
}

func TestCompactAggregateSumsNumericFields(t *testing.T) {
	snapshots := []Snapshot{
		{ID: "a", CreatedAt: time.Now().Add(-time.Hour), State: map[string]interface{}{"tokens": 10.0}},
		{ID: "b", CreatedAt: time.Now(), State: map[string]interface{}{"tokens": 15.0}},
	}
	summary, err := Compact(snapshots, CompactAggregate, CompactOptions{})
	require.NoError(t, err)
	assert.Equal(t, 25.0, summary.State["tokens"])
}

func TestCompactExtractKeyKeepsOnlyRequestedKeys(t *testing.T) {
	snapshots := []Snapshot{
		{ID: "a", CreatedAt: time.Now().Add(-time.Hour), State: map[string]interface{}{"keep": "old", "drop": "x"}},
		{ID: "b", CreatedAt: time.Now(), State: map[string]interface{}{"keep": "new"}},
	}
	summary, err := Compact(snapshots, CompactExtractKey, CompactOptions{Keys: []string{"keep"}})
	require.NoError(t, err)
	assert.Equal(t, "new", summary.State["keep"])
	_, hasDrop := summary.State["drop"]
	assert.False(t, hasDrop)
}

func TestRollbackToLastVerifiedSkipsUnverifiedSnapshots(t *testing.T) {
	store := storage.NewInMemorySnapshotStore()
	now := time.Now()

	verified := Snapshot{ID: "s1", WorkflowID: "wf-3", CreatedAt: now.Add(-time.Hour), Verified: true, State: map[string]interface{}{"v": 1.0}}
	unverified := Snapshot{ID: "s2", WorkflowID: "wf-3", CreatedAt: now, Verified: false, State: map[string]interface{}{"v": 2.0}}

	for _, s := range []Snapshot{verified, unverified} {
		data, err := storage.CanonicalJSON(s)
		require.NoError(t, err)
		require.NoError(t, store.Save(context.Background(), storage.SnapshotRecord{ID: s.ID, Data: data, Verified: s.Verified}))
	}

	auditStore := storage.NewInMemoryAuditStore()
	auditLog, err := audit.NewLog(context.Background(), auditStore, nil)
	require.NoError(t, err)

	rm := NewRollbackManager(store, auditLog, nil)
	result, err := rm.RollbackToLastVerified(context.Background(), "wf-3")
	require.NoError(t, err)
	assert.Equal(t, "s1", result.ID)
	assert.Equal(t, 1.0, result.State["v"])

	entries := auditLog.ByAction("rollback_to_last_verified")
	require.Len(t, entries, 1)
	assert.Equal(t, "system", entries[0].Actor)
}

func TestRollbackErrorsWhenNoVerifiedSnapshotExists(t *testing.T) {
	store := storage.NewInMemorySnapshotStore()
	rm := NewRollbackManager(store, nil, nil)
	_, err := rm.RollbackToLastVerified(context.Background(), "wf-missing")
	assert.Error(t, err)
}
