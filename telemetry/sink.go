package telemetry

import "context"

// EventType enumerates the telemetry event kinds the plane emits.
type EventType string

const (
	EventToolCall            EventType = "tool_call"
	EventCRVResult            EventType = "crv_result"
	EventPolicyCheck         EventType = "policy_check"
	EventSandboxCreated      EventType = "sandbox_created"
	EventSandboxDestroyed    EventType = "sandbox_destroyed"
	EventPermissionCheck     EventType = "permission_check"
	EventEscalationRequested EventType = "escalation_requested"
)

// Event is the telemetry sink contract from spec.md §6.
type Event struct {
	Type       EventType
	WorkflowID string
	TaskID     string
	Timestamp  int64 // unix nanos; stamped by the caller, not this package
	Data       map[string]interface{}
}

// Metric is the telemetry sink contract's metric shape.
type Metric struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// Sink receives events and metrics as the caller passes them. ProviderSink
// redacts event data and metric labels before emission.
type Sink interface {
	EmitEvent(ctx context.Context, event Event)
	EmitMetric(ctx context.Context, metric Metric)
}

// ProviderSink adapts a Provider to the Sink contract, redacting event data
// and recording metrics through the underlying OTel meter.
type ProviderSink struct {
	provider *Provider
}

// NewProviderSink wraps provider as a Sink.
func NewProviderSink(provider *Provider) *ProviderSink {
	return &ProviderSink{provider: provider}
}

func (s *ProviderSink) EmitEvent(ctx context.Context, event Event) {
	redacted := s.provider.Redact(event.Data)
	_, span := s.provider.StartSpan(ctx, string(event.Type))
	defer span.End()
	span.SetAttribute("workflow_id", event.WorkflowID)
	span.SetAttribute("task_id", event.TaskID)
	for k, v := range redacted {
		span.SetAttribute(k, v)
	}
}

func (s *ProviderSink) EmitMetric(ctx context.Context, m Metric) {
	s.provider.RecordMetric(m.Name, m.Value, m.Labels)
}

// NoOpSink discards every event and metric; used when telemetry is
// disabled.
type NoOpSink struct{}

func (NoOpSink) EmitEvent(ctx context.Context, event Event)  {}
func (NoOpSink) EmitMetric(ctx context.Context, metric Metric) {}
