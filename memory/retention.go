package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/execplane/plane/core"
)

// RetentionDecision is the outcome of evaluating one snapshot's fate.
type RetentionDecision struct {
	Keep       bool
	NextTier   Tier
	Reason     string
}

// RetentionManager ages snapshots through tiers by count and age, holding
// high-access-count snapshots in their current tier regardless of age, per
// spec.md's retention invariant.
type RetentionManager struct {
	cfg core.MemoryConfig
	now func() time.Time
}

// NewRetentionManager builds a manager from cfg.
func NewRetentionManager(cfg core.MemoryConfig) *RetentionManager {
	return &RetentionManager{cfg: cfg, now: time.Now}
}

// Evaluate decides whether snapshot should be kept as-is, transitioned to
// an older tier, or dropped, given its position (by recency) among peers
// already retained: ordinal 0 is the most recent. Anything within
// RetainCount positions of the head is always kept in its current tier;
// snapshots with an access count at or above HighAccessCountHoldTier are
// held regardless of ordinal or age.
func (r *RetentionManager) Evaluate(snapshot Snapshot, ordinal int) RetentionDecision {
	if snapshot.AccessCount >= r.cfg.HighAccessCountHoldTier {
		return RetentionDecision{Keep: true, NextTier: snapshot.Tier, Reason: "high access count holds current tier"}
	}
	if ordinal < r.cfg.RetainCount {
		return RetentionDecision{Keep: true, NextTier: snapshot.Tier, Reason: "within retain-count window"}
	}

	age := r.now().Sub(snapshot.CreatedAt)
	switch {
	case snapshot.Tier == TierHot && age > 0:
		return RetentionDecision{Keep: true, NextTier: TierWarm, Reason: "aged out of retain-count window"}
	case snapshot.Tier == TierWarm:
		return RetentionDecision{Keep: true, NextTier: TierCold, Reason: "aged past warm tier"}
	case snapshot.Tier == TierCold:
		return RetentionDecision{Keep: false, NextTier: TierArchived, Reason: "eligible for compaction into an archived summary"}
	default:
		return RetentionDecision{Keep: true, NextTier: snapshot.Tier, Reason: "no transition defined"}
	}
}

// CompactStrategy selects how Compact reduces a run of snapshots to one
// summary entry.
type CompactStrategy string

const (
	// CompactTruncate keeps only the newest snapshot's state, discarding
	// the rest outright.
	CompactTruncate CompactStrategy = "truncate"
	// CompactExtractKey keeps a caller-specified subset of keys from each
	// snapshot's state, merged oldest-to-newest so later values win.
	CompactExtractKey CompactStrategy = "extract_key"
	// CompactSemantic merges every snapshot's state into one map via a
	// caller-supplied reducer, for similarity-based consolidation the
	// plane itself has no opinion on.
	CompactSemantic CompactStrategy = "semantic"
	// CompactAggregate numerically aggregates (sums) sibling numeric
	// fields across every snapshot, useful for counters and running totals.
	CompactAggregate CompactStrategy = "aggregate"
)

// CompactOptions parameterizes a compaction strategy.
type CompactOptions struct {
	Keys    []string                                                          // CompactExtractKey
	Reducer func(acc, next map[string]interface{}) map[string]interface{} // CompactSemantic
}

// Compact reduces snapshots (oldest first) to a single Tier-Archived
// summary entry using strategy. snapshots must be non-empty.
func Compact(snapshots []Snapshot, strategy CompactStrategy, opts CompactOptions) (Snapshot, error) {
	if len(snapshots) == 0 {
		return Snapshot{}, fmt.Errorf("memory: cannot compact an empty snapshot run")
	}
	sorted := make([]Snapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var merged map[string]interface{}
	switch strategy {
	case CompactTruncate:
		merged = sorted[len(sorted)-1].State

	case CompactExtractKey:
		merged = make(map[string]interface{})
		for _, snap := range sorted {
			for _, k := range opts.Keys {
				if v, ok := snap.State[k]; ok {
					merged[k] = v
				}
			}
		}

	case CompactSemantic:
		if opts.Reducer == nil {
			return Snapshot{}, fmt.Errorf("memory: CompactSemantic requires a Reducer")
		}
		merged = map[string]interface{}{}
		for _, snap := range sorted {
			merged = opts.Reducer(merged, snap.State)
		}

	case CompactAggregate:
		merged = aggregateNumeric(sorted)

	default:
		return Snapshot{}, fmt.Errorf("memory: unknown compaction strategy %q", strategy)
	}

	newest := sorted[len(sorted)-1]
	return Snapshot{
		ID:         newest.ID + ":compacted",
		WorkflowID: newest.WorkflowID,
		CreatedAt:  newest.CreatedAt,
		Tier:       TierArchived,
		Verified:   allVerified(sorted),
		Kind:       "snapshot",
		State:      merged,
	}, nil
}

func aggregateNumeric(snapshots []Snapshot) map[string]interface{} {
	sums := make(map[string]float64)
	for _, snap := range snapshots {
		for k, v := range snap.State {
			if n, ok := toFloat(v); ok {
				sums[k] += n
			}
		}
	}
	out := make(map[string]interface{}, len(sums))
	for k, v := range sums {
		out[k] = v
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func allVerified(snapshots []Snapshot) bool {
	for _, s := range snapshots {
		if !s.Verified {
			return false
		}
	}
	return true
}
