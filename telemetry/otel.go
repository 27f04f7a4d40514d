// Package telemetry wires core.Telemetry to OpenTelemetry: traces export
// via OTLP/gRPC (or stdout for local development), metrics likewise, and
// every event/metric passes through a Redactor before emission.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/execplane/plane/core"
)

// Provider implements core.Telemetry with OpenTelemetry tracing and
// metrics, sharing one TracerProvider/MeterProvider pair for the process.
type Provider struct {
	tracer         trace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
	redactor       *Redactor
	shutdownOnce   sync.Once
	mu             sync.RWMutex
	shutdown       bool
}

// NewProvider builds a Provider from cfg. When cfg.UseStdout is set, spans
// and metrics print to stdout instead of exporting over OTLP/gRPC — useful
// for local development without a collector.
func NewProvider(ctx context.Context, cfg core.TelemetryConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}

	var traceProvider *sdktrace.TracerProvider
	var metricProvider *sdkmetric.MeterProvider

	if cfg.TracingEnabled {
		tp, err := newTraceProvider(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("telemetry: trace provider: %w", err)
		}
		traceProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := newMetricProvider(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("telemetry: metric provider: %w", err)
		}
		metricProvider = mp
		otel.SetMeterProvider(mp)
	}

	p := &Provider{
		traceProvider:  traceProvider,
		metricProvider: metricProvider,
		redactor:       NewRedactor(),
	}
	if traceProvider != nil {
		p.tracer = traceProvider.Tracer(cfg.ServiceName)
	} else {
		p.tracer = otel.Tracer(cfg.ServiceName)
	}
	if metricProvider != nil {
		p.meter = metricProvider.Meter(cfg.ServiceName)
	} else {
		p.meter = otel.Meter(cfg.ServiceName)
	}
	return p, nil
}

func newTraceProvider(ctx context.Context, cfg core.TelemetryConfig) (*sdktrace.TracerProvider, error) {
	if cfg.UseStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		), nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
	), nil
}

func newMetricProvider(ctx context.Context, cfg core.TelemetryConfig) (*sdkmetric.MeterProvider, error) {
	if cfg.UseStdout {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter))), nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter))), nil
}

// StartSpan satisfies core.Telemetry.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric satisfies core.Telemetry by recording value on a lazily
// created float64 counter named name. Labels whose key is a sensitive
// field carry the redaction sentinel instead of their value.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	counter, err := p.meter.Float64Counter(name)
	if err != nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		if _, sensitive := p.redactor.sensitive[strings.ToLower(k)]; sensitive {
			v = redactedSentinel
		}
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

// Redact applies the provider's secret-field redaction.
func (p *Provider) Redact(data map[string]interface{}) map[string]interface{} {
	return p.redactor.Redact(data)
}

// Shutdown flushes and stops both providers exactly once.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		p.mu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if p.traceProvider != nil {
			if shutdownErr := p.traceProvider.Shutdown(shutdownCtx); shutdownErr != nil {
				err = shutdownErr
			}
		}
		if p.metricProvider != nil {
			if shutdownErr := p.metricProvider.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
				err = shutdownErr
			}
		}
	})
	return err
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
