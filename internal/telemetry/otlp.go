package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/harrison/reprise/internal/models"
)

// SpanExporter mirrors executed iterations to an OTLP trace collector.
// A nil *SpanExporter is valid and does nothing, so callers never gate
// on whether OTLP is configured.
type SpanExporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewSpanExporter builds an exporter for the given endpoint. The
// REPRISE_OTLP_ENDPOINT environment variable overrides the configured
// endpoint; if neither is set the exporter is disabled and (nil, nil)
// is returned.
func NewSpanExporter(ctx context.Context, endpoint string) (*SpanExporter, error) {
	if env := os.Getenv("REPRISE_OTLP_ENDPOINT"); env != "" {
		endpoint = env
	}
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("reprise"),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &SpanExporter{
		provider: provider,
		tracer:   provider.Tracer("reprise/loop"),
	}, nil
}

// ExportIteration records one iteration as a span with explicit
// timestamps, so the span duration matches the agent invocation.
func (e *SpanExporter) ExportIteration(ctx context.Context, task *models.Task, result *models.IterationResult) {
	if e == nil {
		return
	}

	end := time.Now()
	start := end.Add(-result.Duration)
	_, span := e.tracer.Start(ctx, "iteration", oteltrace.WithTimestamp(start))
	span.SetAttributes(
		attribute.String("reprise.task.id", task.ID),
		attribute.String("reprise.backend", task.Backend),
		attribute.Int("reprise.iteration", result.Iteration),
		attribute.Int("reprise.exit_code", result.ExitCode),
		attribute.String("reprise.outcome", string(result.Outcome)),
		attribute.Bool("reprise.timed_out", result.TimedOut),
	)
	span.End(oteltrace.WithTimestamp(end))
}

// Shutdown flushes buffered spans and closes the exporter.
func (e *SpanExporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
