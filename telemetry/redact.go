package telemetry

import "strings"

const redactedSentinel = "[REDACTED]"

var defaultSensitiveFields = map[string]struct{}{
	"password":     {},
	"token":        {},
	"access_token": {},
	"api_key":      {},
	"apikey":       {},
	"secret":       {},
	"credentials":  {},
}

// Redactor replaces sensitive field values with a sentinel before data
// reaches a telemetry sink. Provider and ProviderSink apply it; the audit
// log does not, so audit entries are stored unredacted.
type Redactor struct {
	sensitive map[string]struct{}
}

// NewRedactor builds a Redactor matching the default sensitive-field set
// plus any caller-supplied additions.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{sensitive: make(map[string]struct{}, len(defaultSensitiveFields)+len(extra))}
	for k := range defaultSensitiveFields {
		r.sensitive[k] = struct{}{}
	}
	for _, f := range extra {
		r.sensitive[strings.ToLower(f)] = struct{}{}
	}
	return r
}

// Redact returns a deep copy of data with every key matching the sensitive
// set (case-insensitively) replaced by a sentinel, recursing into nested
// maps, slices of maps, and slices of scalars.
func (r *Redactor) Redact(data map[string]interface{}) map[string]interface{} {
	return r.redactMap(data)
}

func (r *Redactor) redactMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if _, sensitive := r.sensitive[strings.ToLower(k)]; sensitive {
			out[k] = redactedSentinel
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return r.redactMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = r.redactValue(elem)
		}
		return out
	default:
		return v
	}
}
