package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execplane/plane/core"
	"github.com/execplane/plane/storage"
)

// Log is the single-writer, many-reader append-only chain. All appends are
// serialized through mu so sequence numbers and chain continuity hold even
// under concurrent callers (spec.md §5: "exclusive-writer, many-reader").
type Log struct {
	mu       sync.Mutex
	store    storage.AuditStore
	entries  []Entry // in-memory mirror for fast querying; store is authoritative
	lastHash string
	nextSeq  int64
	logger   core.Logger
}

// NewLog loads entries from store, verifies the chain, and returns a Log
// ready to accept appends. A broken chain is fatal: the log refuses to
// initialize (spec.md §7's "silent continuation would erode the primary
// security property").
func NewLog(ctx context.Context, store storage.AuditStore, logger core.Logger) (*Log, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	records, err := store.LoadAll(ctx)
	if err != nil {
		return nil, core.NewFrameworkError("audit.NewLog", "audit", err)
	}

	report := store.VerifyIntegrity(ctx, records)
	if !report.Valid {
		return nil, fmt.Errorf("%w: entries %v", core.ErrChainBroken, report.InvalidEntries)
	}

	l := &Log{store: store, logger: logger}
	for _, rec := range records {
		entry, err := decodeEntry(rec)
		if err != nil {
			return nil, core.NewFrameworkError("audit.NewLog", "audit", err)
		}
		l.entries = append(l.entries, entry)
	}
	if len(l.entries) > 0 {
		last := l.entries[len(l.entries)-1]
		l.lastHash = last.ContentHash
		l.nextSeq = last.Sequence + 1
	}
	return l, nil
}

// Append computes the entry's sequence, previous hash, and content hash,
// then persists and caches it. entry's Sequence/ContentHash/PreviousHash
// fields are overwritten regardless of caller-supplied values.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.Sequence = l.nextSeq
	entry.PreviousHash = l.lastHash

	hash, err := contentHash(entry)
	if err != nil {
		return Entry{}, core.NewFrameworkError("audit.Append", "audit", err)
	}
	entry.ContentHash = hash

	data, err := storage.CanonicalJSON(entry)
	if err != nil {
		return Entry{}, core.NewFrameworkError("audit.Append", "audit", err)
	}
	record := storage.AuditRecord{
		Sequence: entry.Sequence, Data: data,
		ContentHash: entry.ContentHash, PreviousHash: entry.PreviousHash,
	}
	if err := l.store.Append(ctx, record); err != nil {
		return Entry{}, core.NewFrameworkError("audit.Append", "audit", err)
	}

	l.entries = append(l.entries, entry)
	l.lastHash = entry.ContentHash
	l.nextSeq++

	l.logger.Info("audit entry appended", map[string]interface{}{
		"sequence": entry.Sequence, "actor": entry.Actor, "action": entry.Action,
	})
	return entry, nil
}

// VerifyIntegrity re-walks the in-memory chain and reports the first break.
func (l *Log) VerifyIntegrity() (valid bool, brokenAtSequence int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 1; i < len(l.entries); i++ {
		if l.entries[i].PreviousHash != l.entries[i-1].ContentHash {
			return false, l.entries[i].Sequence
		}
	}
	return true, 0
}

// ByActor returns every entry whose Actor equals actor, in sequence order.
func (l *Log) ByActor(actor string) []Entry {
	return l.filter(func(e Entry) bool { return e.Actor == actor })
}

// ByAction returns every entry whose Action equals action.
func (l *Log) ByAction(action string) []Entry {
	return l.filter(func(e Entry) bool { return e.Action == action })
}

// ByTaskID returns every entry for a given task.
func (l *Log) ByTaskID(taskID string) []Entry {
	return l.filter(func(e Entry) bool { return e.TaskID == taskID })
}

// ByStepID returns every entry for a given step.
func (l *Log) ByStepID(stepID string) []Entry {
	return l.filter(func(e Entry) bool { return e.StepID == stepID })
}

// BySourceEventID returns every entry tracing back to a given upstream
// event.
func (l *Log) BySourceEventID(sourceEventID string) []Entry {
	return l.filter(func(e Entry) bool { return e.SourceEventID == sourceEventID })
}

// ByTimeRange returns every entry with Timestamp in [start, end).
func (l *Log) ByTimeRange(start, end time.Time) []Entry {
	return l.filter(func(e Entry) bool {
		return !e.Timestamp.Before(start) && e.Timestamp.Before(end)
	})
}

func (l *Log) filter(pred func(Entry) bool) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

func contentHash(e Entry) (string, error) {
	data, err := storage.CanonicalJSON(e.toHashable())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func decodeEntry(rec storage.AuditRecord) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(rec.Data, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}
