package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/execplane/plane/audit"
	"github.com/execplane/plane/core"
	"github.com/execplane/plane/storage"
)

// RollbackManager restores a workflow's state to its last verified
// snapshot and records the rollback as a system-attributed audit entry.
type RollbackManager struct {
	store    storage.SnapshotStore
	auditLog *audit.Log
	logger   core.Logger
}

// NewRollbackManager builds a manager over store, auditing every rollback
// through auditLog (optional; nil disables audit recording).
func NewRollbackManager(store storage.SnapshotStore, auditLog *audit.Log, logger core.Logger) *RollbackManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RollbackManager{store: store, auditLog: auditLog, logger: logger}
}

// RollbackToLastVerified restores the most recent verified snapshot for
// workflowID. It refuses to "skip over" unverified territory: if a newer,
// unverified snapshot exists, the rollback still targets the last verified
// one, but the returned Snapshot's State reflects that older, trustworthy
// point — the caller is responsible for discarding any work built on top
// of it.
func (r *RollbackManager) RollbackToLastVerified(ctx context.Context, workflowID string) (Snapshot, error) {
	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return Snapshot{}, core.NewFrameworkError("memory.RollbackToLastVerified", "memory", err)
	}

	var candidates []Snapshot
	for _, rec := range records {
		snap, err := decodeSnapshot(rec)
		if err != nil {
			return Snapshot{}, core.NewFrameworkError("memory.RollbackToLastVerified", "memory", err)
		}
		if snap.WorkflowID == workflowID && snap.Verified {
			candidates = append(candidates, snap)
		}
	}
	if len(candidates) == 0 {
		return Snapshot{}, fmt.Errorf("memory: no verified snapshot exists for workflow %q", workflowID)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })
	target := candidates[0].touch()

	if err := r.store.Save(ctx, recordFor(target)); err != nil {
		return Snapshot{}, core.NewFrameworkError("memory.RollbackToLastVerified", "memory", err)
	}

	if r.auditLog != nil {
		_, err := r.auditLog.Append(ctx, audit.Entry{
			Actor:      "system",
			Action:     "rollback_to_last_verified",
			WorkflowID: workflowID,
			StateAfter: target.State,
			Diff:       map[string]interface{}{"restored_snapshot_id": target.ID},
		})
		if err != nil {
			r.logger.Error("memory: failed to audit rollback", map[string]interface{}{
				"workflow_id": workflowID, "error": err.Error(),
			})
		}
	}

	r.logger.Info("memory: rolled back to last verified snapshot", map[string]interface{}{
		"workflow_id": workflowID, "snapshot_id": target.ID,
	})
	return target, nil
}

func decodeSnapshot(rec storage.SnapshotRecord) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(rec.Data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func recordFor(snap Snapshot) storage.SnapshotRecord {
	data, err := storage.CanonicalJSON(snap)
	if err != nil {
		// CanonicalJSON only fails on inputs that cannot round-trip through
		// encoding/json at all; snap was itself decoded from JSON moments
		// ago, so this is unreachable in practice.
		data = nil
	}
	return storage.SnapshotRecord{ID: snap.ID, Data: data, Verified: snap.Verified}
}
