package validation

import "context"

// Payload is the tagged-variant structure operators pass between stages: a
// declared case tag plus a free-form attribute map, per spec.md §9's
// "dynamic typing of operator inputs" design note. The operators in this
// package do not check Case; a payload with any case tag is accepted.
type Payload struct {
	Case       string
	Attributes map[string]interface{}
}

// Get returns an attribute and whether it was present.
func (p Payload) Get(key string) (interface{}, bool) {
	if p.Attributes == nil {
		return nil, false
	}
	v, ok := p.Attributes[key]
	return v, ok
}

// With returns a copy of p with key set to value.
func (p Payload) With(key string, value interface{}) Payload {
	out := Payload{Case: p.Case, Attributes: make(map[string]interface{}, len(p.Attributes)+1)}
	for k, v := range p.Attributes {
		out.Attributes[k] = v
	}
	out.Attributes[key] = value
	return out
}

// Operator is a single stage of a validation pipeline: execute transforms
// input to output, validateInvariants checks a pre/post condition, and
// runOracleChecks performs independent sanity checks on the (input, output)
// pair.
type Operator interface {
	Name() string
	Execute(ctx context.Context, input Payload) (Payload, error)
	ValidateInvariants(input Payload, output *Payload) Result
	RunOracleChecks(input, output Payload) []Result
}

// baseOperator supplies a no-op ValidateInvariants/RunOracleChecks pair so
// concrete operators only override what they need.
type baseOperator struct {
	name string
}

func (b baseOperator) Name() string { return b.name }

func (b baseOperator) ValidateInvariants(input Payload, output *Payload) Result {
	return Pass("no invariant declared", 1.0)
}

func (b baseOperator) RunOracleChecks(input, output Payload) []Result {
	return nil
}
