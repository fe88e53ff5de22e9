package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracingConfig selects and configures the span exporter.
type TracingConfig struct {
	// Exporter is "off", "stdout", or "otlp". "off" (or empty) leaves the
	// global no-op provider in place.
	Exporter string
	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	// Only used when Exporter is "otlp".
	Endpoint string
	// ServiceName tags every exported span. Defaults to "teamrun".
	ServiceName string
	// SamplingRate in [0, 1]. Zero means sample everything.
	SamplingRate float64
}

// InitTracing installs a global TracerProvider per cfg and returns a
// shutdown function that flushes buffered spans. With Exporter "off" it
// installs nothing and the returned shutdown is a no-op.
func InitTracing(ctx context.Context, cfg TracingConfig) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "off":
		return noop, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return noop, fmt.Errorf("observability: creating stdout exporter: %w", err)
		}
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return noop, fmt.Errorf("observability: creating otlp exporter: %w", err)
		}
	default:
		return noop, fmt.Errorf("observability: unknown tracing exporter %q", cfg.Exporter)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "teamrun"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, fmt.Errorf("observability: building resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
