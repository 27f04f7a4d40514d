// Package toolexec implements the tool execution wrapper: the single path
// every side-effecting call takes through input validation, the policy
// gate, the effort evaluator, CRV, a sandboxed provider, and the
// transactional outbox that gives every call execute-once semantics.
package toolexec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/execplane/plane/storage"
)

// IdempotencyKey derives the stable key a call is deduplicated on:
// sha256(task_id || step_id || tool_id || canonical_json(args)). Two
// invocations with identical coordinates and arguments always produce the
// same key, which is what lets the outbox recognize a replay.
func IdempotencyKey(taskID, stepID, toolID string, args map[string]interface{}) (string, error) {
	canonicalArgs, err := storage.CanonicalJSON(args)
	if err != nil {
		return "", fmt.Errorf("toolexec: canonicalize args: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write([]byte(stepID))
	h.Write([]byte{0})
	h.Write([]byte(toolID))
	h.Write([]byte{0})
	h.Write(canonicalArgs)
	return hex.EncodeToString(h.Sum(nil)), nil
}
