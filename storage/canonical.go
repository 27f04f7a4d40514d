// Package storage defines the narrow persistence contracts the core depends
// on (snapshot persistence, audit log persistence, outbox) plus in-memory
// reference implementations for tests, and the canonical JSON encoding used
// for content hashing throughout the plane.
//
// No canonical-JSON library appears anywhere in the retrieved example
// corpus, so CanonicalJSON is implemented directly on encoding/json plus a
// recursive key sort — see DESIGN.md for the corpus-wide search that
// justifies this as the one deliberate stdlib-only primitive in the module.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON encodes v as JSON with object keys sorted lexicographically
// at every level, arrays left in original order, and no insignificant
// whitespace. It is the sole normalization used for content hashing (audit
// entries, idempotency keys).
func CanonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through encoding/json to obtain a generic
// representation (map[string]interface{}, []interface{}, scalars) that
// encode can walk deterministically, including struct field tags.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical json: unmarshal: %w", err)
	}
	return generic, nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]interface{}:
		return encodeObject(buf, val)
	case []interface{}:
		return encodeArray(buf, val)
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical json: encode scalar: %w", err)
		}
		buf.Write(enc)
		return nil
	}
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyEnc, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyEnc)
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
