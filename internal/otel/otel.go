// Package otel wires OpenTelemetry traces and metrics for the daemon. When
// disabled, every operation is a no-op with zero overhead.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope for cronpilot traces.
	TracerName = "cronpilot"
	// MeterName is the instrumentation scope for cronpilot metrics.
	MeterName = "cronpilot"
	// Version is reported in telemetry resource attributes.
	Version = "v0.1-dev"
)

// Config holds the observability block of config.yaml.
type Config struct {
	Enabled  bool
	Exporter string // "stdout" or "otlp-http"
	Endpoint string // OTLP HTTP endpoint, host:port
}

// Provider wraps the tracer and meter providers with cleanup.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	Metrics  *Metrics
	shutdown func(context.Context) error
}

// Init sets up OpenTelemetry. The returned Provider must be Shutdown on
// exit. A disabled config yields a fully functional no-op provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		meter := metricnoop.NewMeterProvider().Meter(MeterName)
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, err
		}
		return &Provider{
			Tracer:   tracenoop.NewTracerProvider().Tracer(TracerName),
			Meter:    meter,
			Metrics:  metrics,
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("cronpilot"),
			attribute.String("cronpilot.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
	)

	meter := mp.Meter(MeterName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Tracer:  tp.Tracer(TracerName),
		Meter:   meter,
		Metrics: metrics,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: stdout, otlp-http)", cfg.Exporter)
	}
}
