// Package audit implements the tamper-evident, hash-chained append-only
// log: every entry's previous_hash equals the prior entry's content_hash,
// and content hashes are computed over a canonical normalization so the
// chain can be verified independent of field ordering.
package audit

import "time"

// Entry is one append-only record. ContentHash is computed over every
// field except ContentHash and PreviousHash themselves.
type Entry struct {
	Sequence     int64                  `json:"sequence"`
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Actor        string                 `json:"actor"`
	Action       string                 `json:"action"`
	StateBefore  map[string]interface{} `json:"state_before,omitempty"`
	StateAfter   map[string]interface{} `json:"state_after,omitempty"`
	Diff         map[string]interface{} `json:"diff,omitempty"`
	WorkflowID   string                 `json:"workflow_id,omitempty"`
	TaskID       string                 `json:"task_id,omitempty"`
	StepID       string                 `json:"step_id,omitempty"`
	SourceEventID string                `json:"source_event_id,omitempty"`

	ContentHash  string `json:"content_hash"`
	PreviousHash string `json:"previous_hash"`
}

// hashable is the subset of Entry that participates in the content hash:
// everything except the two hash fields.
type hashable struct {
	Sequence      int64                  `json:"sequence"`
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Actor         string                 `json:"actor"`
	Action        string                 `json:"action"`
	StateBefore   map[string]interface{} `json:"state_before,omitempty"`
	StateAfter    map[string]interface{} `json:"state_after,omitempty"`
	Diff          map[string]interface{} `json:"diff,omitempty"`
	WorkflowID    string                 `json:"workflow_id,omitempty"`
	TaskID        string                 `json:"task_id,omitempty"`
	StepID        string                 `json:"step_id,omitempty"`
	SourceEventID string                 `json:"source_event_id,omitempty"`
}

func (e Entry) toHashable() hashable {
	return hashable{
		Sequence: e.Sequence, ID: e.ID, Timestamp: e.Timestamp, Actor: e.Actor, Action: e.Action,
		StateBefore: e.StateBefore, StateAfter: e.StateAfter, Diff: e.Diff,
		WorkflowID: e.WorkflowID, TaskID: e.TaskID, StepID: e.StepID, SourceEventID: e.SourceEventID,
	}
}
