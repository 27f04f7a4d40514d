package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeysRecursively(t *testing.T) {
	input := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"z": 1, "y": 2},
	}

	out, err := CanonicalJSON(input)

	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, string(out))
}

func TestCanonicalJSONPreservesArrayOrder(t *testing.T) {
	out, err := CanonicalJSON([]interface{}{3, 1, 2})

	require.NoError(t, err)
	assert.Equal(t, `[3,1,2]`, string(out))
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	input := map[string]interface{}{"x": 1, "y": []interface{}{1, 2, 3}}

	a, err1 := CanonicalJSON(input)
	b, err2 := CanonicalJSON(input)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, a, b)
}

func TestInMemoryOutboxStoreInsertIsConditional(t *testing.T) {
	store := NewInMemoryOutboxStore()
	ctx := context.Background()

	_, inserted1, err := store.Insert(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, inserted1)

	_, inserted2, err := store.Insert(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, inserted2)
}

func TestInMemoryAuditStoreVerifyIntegrityDetectsBreak(t *testing.T) {
	store := NewInMemoryAuditStore()
	entries := []AuditRecord{
		{Sequence: 1, ContentHash: "h1", PreviousHash: ""},
		{Sequence: 2, ContentHash: "h2", PreviousHash: "h1"},
		{Sequence: 3, ContentHash: "h3", PreviousHash: "TAMPERED"},
	}

	report := store.VerifyIntegrity(context.Background(), entries)

	assert.False(t, report.Valid)
	assert.Equal(t, []int64{3}, report.InvalidEntries)
}
