package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactorReplacesSensitiveFields(t *testing.T) {
	r := NewRedactor()
	data := map[string]interface{}{
		"username": "alice",
		"password": "hunter2",
		"nested": map[string]interface{}{
			"api_key": "sk-123",
			"ok":      true,
		},
	}

	redacted := r.Redact(data)

	assert.Equal(t, "alice", redacted["username"])
	assert.Equal(t, redactedSentinel, redacted["password"])
	nested := redacted["nested"].(map[string]interface{})
	assert.Equal(t, redactedSentinel, nested["api_key"])
	assert.Equal(t, true, nested["ok"])
}

func TestRedactorHonorsExtraFields(t *testing.T) {
	r := NewRedactor("internal_ssn")
	data := map[string]interface{}{"internal_ssn": "123-45-6789"}

	redacted := r.Redact(data)

	assert.Equal(t, redactedSentinel, redacted["internal_ssn"])
}
