// Package traces wires OpenTelemetry tracing for analyses and collector calls.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vrcsentinel/sentinel"

// Init installs an OTLP/gRPC tracer provider. With an empty endpoint tracing stays a no-op.
// The returned function flushes and stops the provider.
func Init(ctx context.Context, otlpEndpoint, serviceName string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTLP endpoint configured)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", slog.String("endpoint", otlpEndpoint))
	return tp.Shutdown, nil
}

// StartSpan starts a span named name under ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks span as failed with err; a nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SubjectID tags a span with the analysed identifier.
func SubjectID(id string) attribute.KeyValue {
	return attribute.String("subject.id", id)
}

// SubjectKind tags a span with the identifier scheme, user or avatar.
func SubjectKind(kind string) attribute.KeyValue {
	return attribute.String("subject.kind", kind)
}

// Source tags a span with the evidence source it collected from.
func Source(source string) attribute.KeyValue {
	return attribute.String("evidence.source", source)
}
