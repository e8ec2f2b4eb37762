// Package telemetry sets up tracing and the Prometheus metrics of pipeline
// creation.
package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TracerConfig configures InitTracer.
type TracerConfig struct {
	ServiceName string
	// Writer receives spans as JSON. Nil means stdout.
	Writer io.Writer
	// SampleRatio is the fraction of root spans recorded. Zero or more than
	// one records everything. Children follow their parent.
	SampleRatio float64
	Logger      *slog.Logger
}

// InitTracer installs a global tracer provider and returns its shutdown
// function, which flushes buffered spans.
func InitTracer(cfg TracerConfig) (func(context.Context) error, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var opts []stdouttrace.Option
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	cfg.Logger.Info("OpenTelemetry initialized",
		slog.String("service", cfg.ServiceName),
		slog.Float64("sample_ratio", cfg.SampleRatio))
	return tp.Shutdown, nil
}
