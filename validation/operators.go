package validation

import (
	"context"
	"fmt"
	"reflect"
	"sort"
)

// ExtractOperator projects a set of fields out of a "raw" attribute into a
// flat set of attributes on the output payload.
type ExtractOperator struct {
	baseOperator
	Fields []string
	Source string // attribute key holding the raw map to extract from
}

// NewExtractOperator builds an Extract operator reading from source and
// projecting fields.
func NewExtractOperator(source string, fields ...string) *ExtractOperator {
	return &ExtractOperator{baseOperator: baseOperator{name: "extract"}, Source: source, Fields: fields}
}

func (e *ExtractOperator) Execute(ctx context.Context, input Payload) (Payload, error) {
	raw, ok := input.Get(e.Source)
	if !ok || raw == nil {
		return Payload{}, fmt.Errorf("extract: source %q missing", e.Source)
	}
	rawMap, ok := raw.(map[string]interface{})
	if !ok {
		return Payload{}, fmt.Errorf("extract: source %q is not an object", e.Source)
	}
	out := Payload{Case: "extracted", Attributes: make(map[string]interface{}, len(e.Fields))}
	for _, f := range e.Fields {
		if v, present := rawMap[f]; present {
			out.Attributes[f] = v
		}
	}
	return out, nil
}

func (e *ExtractOperator) ValidateInvariants(input Payload, output *Payload) Result {
	if input.Attributes == nil {
		return Fail(FailureMissingData, "extract: input must not be null")
	}
	return Pass("input present", 1.0)
}

func (e *ExtractOperator) RunOracleChecks(input, output Payload) []Result {
	if len(output.Attributes) == 0 {
		return []Result{Fail(FailureMissingData, "extract: no fields extracted")}
	}
	return []Result{Pass("extracted value non-empty", 1.0)}
}

// NormalizeFunc produces the canonical form of a single value.
type NormalizeFunc func(interface{}) interface{}

// NormalizeOperator canonicalizes every attribute using Normalize. Must be
// idempotent: Normalize(Normalize(x)) observationally equals Normalize(x).
type NormalizeOperator struct {
	baseOperator
	Normalize NormalizeFunc
}

// NewNormalizeOperator builds a Normalize operator with fn applied to every
// attribute value.
func NewNormalizeOperator(fn NormalizeFunc) *NormalizeOperator {
	return &NormalizeOperator{baseOperator: baseOperator{name: "normalize"}, Normalize: fn}
}

func (n *NormalizeOperator) Execute(ctx context.Context, input Payload) (Payload, error) {
	out := Payload{Case: "normalized", Attributes: make(map[string]interface{}, len(input.Attributes))}
	for k, v := range input.Attributes {
		out.Attributes[k] = n.Normalize(v)
	}
	return out, nil
}

func (n *NormalizeOperator) RunOracleChecks(input, output Payload) []Result {
	twice := Payload{Attributes: make(map[string]interface{}, len(output.Attributes))}
	for k, v := range output.Attributes {
		twice.Attributes[k] = n.Normalize(v)
	}
	if !reflect.DeepEqual(twice.Attributes, output.Attributes) {
		return []Result{Fail(FailureNonDeterminism, "normalize: not idempotent")}
	}
	return []Result{Pass("normalize idempotent", 1.0)}
}

// CompareOperator accepts attributes "expected" and "actual" and emits
// "match" (bool) and "diff" (string).
type CompareOperator struct {
	baseOperator
}

// NewCompareOperator builds a Compare operator.
func NewCompareOperator() *CompareOperator {
	return &CompareOperator{baseOperator: baseOperator{name: "compare"}}
}

func (c *CompareOperator) Execute(ctx context.Context, input Payload) (Payload, error) {
	expected, _ := input.Get("expected")
	actual, _ := input.Get("actual")
	match := reflect.DeepEqual(expected, actual)
	diff := ""
	if !match {
		diff = fmt.Sprintf("expected %#v, got %#v", expected, actual)
	}
	return Payload{Case: "comparison", Attributes: map[string]interface{}{
		"match": match,
		"diff":  diff,
	}}, nil
}

func (c *CompareOperator) RunOracleChecks(input, output Payload) []Result {
	match, _ := output.Get("match")
	expected, _ := input.Get("expected")
	actual, _ := input.Get("actual")
	wantMatch := reflect.DeepEqual(expected, actual)
	if match != wantMatch {
		return []Result{Fail(FailureConflict, "compare: reported match disagrees with deep equality")}
	}
	return []Result{Pass("compare result consistent", 1.0)}
}

// SchemaField declares one field of a SchemaOperator's expected shape.
type SchemaField struct {
	Name     string
	Type     string // "string", "number", "bool", "object", "array"
	Required bool
	Nested   []SchemaField // for Type == "object"
}

// SchemaOperator checks attributes against a declarative subset of
// JSON-Schema: type, properties, required, with nested object recursion.
type SchemaOperator struct {
	baseOperator
	Fields []SchemaField
}

// NewSchemaOperator builds a Verify Schema operator.
func NewSchemaOperator(fields ...SchemaField) *SchemaOperator {
	return &SchemaOperator{baseOperator: baseOperator{name: "verify_schema"}, Fields: fields}
}

func (s *SchemaOperator) Execute(ctx context.Context, input Payload) (Payload, error) {
	if r := checkSchema(s.Fields, input.Attributes); !r.Valid {
		return input, fmt.Errorf("%s", r.Reason)
	}
	return input, nil
}

func checkSchema(fields []SchemaField, data map[string]interface{}) Result {
	for _, f := range fields {
		v, present := data[f.Name]
		if !present {
			if f.Required {
				return Fail(FailureMissingData, fmt.Sprintf("required field %q missing", f.Name))
			}
			continue
		}
		if !typeMatches(f.Type, v) {
			return Fail(FailureConflict, fmt.Sprintf("field %q expected type %s", f.Name, f.Type))
		}
		if f.Type == "object" && len(f.Nested) > 0 {
			nested, ok := v.(map[string]interface{})
			if !ok {
				return Fail(FailureConflict, fmt.Sprintf("field %q expected an object", f.Name))
			}
			if r := checkSchema(f.Nested, nested); !r.Valid {
				return r
			}
		}
	}
	return Pass("schema satisfied", 1.0)
}

func typeMatches(want string, v interface{}) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int64, float64, float32:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		rv := reflect.ValueOf(v)
		return rv.IsValid() && rv.Kind() == reflect.Slice
	default:
		return true
	}
}

func (s *SchemaOperator) ValidateInvariants(input Payload, output *Payload) Result {
	return checkSchema(s.Fields, input.Attributes)
}

// Predicate is a named constraint evaluated against a payload's attributes.
type Predicate struct {
	Name string
	Fn   func(attrs map[string]interface{}) (bool, error)
}

// ConstraintsOperator evaluates an ordered list of predicates, stopping at
// the first violation.
type ConstraintsOperator struct {
	baseOperator
	Predicates []Predicate
}

// NewConstraintsOperator builds a Verify Constraints operator.
func NewConstraintsOperator(predicates ...Predicate) *ConstraintsOperator {
	return &ConstraintsOperator{baseOperator: baseOperator{name: "verify_constraints"}, Predicates: predicates}
}

func (c *ConstraintsOperator) Execute(ctx context.Context, input Payload) (Payload, error) {
	for _, p := range c.Predicates {
		ok, err := p.Fn(input.Attributes)
		if err != nil {
			return input, fmt.Errorf("constraint %q: %w", p.Name, err)
		}
		if !ok {
			return input, fmt.Errorf("constraint %q violated", p.Name)
		}
	}
	return input, nil
}

func (c *ConstraintsOperator) ValidateInvariants(input Payload, output *Payload) Result {
	for _, p := range c.Predicates {
		ok, err := p.Fn(input.Attributes)
		if err != nil {
			return Fail(FailureToolError, fmt.Sprintf("constraint %q errored: %v", p.Name, err))
		}
		if !ok {
			return Fail(FailurePolicyViolation, fmt.Sprintf("constraint %q violated", p.Name))
		}
	}
	return Pass("all constraints satisfied", 1.0)
}

// Decision is the outcome of a DecideOperator.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionBlock    Decision = "block"
	DecisionEscalate Decision = "escalate"
)

// DecideOperator folds a slice of Results into one Decision with a
// justification. Identical inputs always produce an identical decision.
type DecideOperator struct {
	baseOperator
	MinConfidence float64
}

// NewDecideOperator builds a Decide operator with the given minimum
// confidence threshold; Fold uses 0.5 when it is zero.
func NewDecideOperator(minConfidence float64) *DecideOperator {
	return &DecideOperator{baseOperator: baseOperator{name: "decide"}, MinConfidence: minConfidence}
}

// Fold implements the Decide operator's fixed policy: any invalid result
// blocks; otherwise confidence below threshold escalates; otherwise allow.
func (d *DecideOperator) Fold(results []Result) (Decision, string) {
	sorted := make([]Result, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Reason < sorted[j].Reason })

	minConfidence := 1.0
	for _, r := range sorted {
		if !r.Valid {
			return DecisionBlock, fmt.Sprintf("blocked: %s (%s)", r.Reason, r.FailureCode)
		}
		if r.Confidence < minConfidence {
			minConfidence = r.Confidence
		}
	}
	threshold := d.MinConfidence
	if threshold == 0 {
		threshold = 0.5
	}
	if minConfidence < threshold {
		return DecisionEscalate, fmt.Sprintf("escalated: confidence %.2f below threshold %.2f", minConfidence, threshold)
	}
	return DecisionAllow, "all validators passed"
}
