// Package telemetry configures OpenTelemetry tracing for the kura worker.
//
// Custom span attributes use the `kura.` prefix. Job spans link the queue
// row to everything the recompute touched.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "kurahq.com/kura"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. An empty endpoint disables tracing (noop provider). Returns a
// shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("kura-worker"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartJobSpan creates the parent span for one queue job.
func StartJobSpan(ctx context.Context, jobType, jobID string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kura.job.run",
		trace.WithAttributes(
			attribute.String("kura.job.type", jobType),
			attribute.String("kura.job.id", jobID),
			attribute.Int("kura.job.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartRecomputeSpan creates a child span for one handler recompute.
func StartRecomputeSpan(ctx context.Context, dimension, eventType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kura.projection.recompute",
		trace.WithAttributes(
			attribute.String("kura.dimension", dimension),
			attribute.String("kura.event_type", eventType),
		),
	)
}

// EndSpan records the outcome and closes the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
