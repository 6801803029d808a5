package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/harrison/reprise/internal/models"
)

func TestNewSpanExporter_DisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("REPRISE_OTLP_ENDPOINT", "")

	exp, err := NewSpanExporter(context.Background(), "")
	if err != nil {
		t.Fatalf("NewSpanExporter() error = %v", err)
	}
	if exp != nil {
		t.Error("exporter should be nil when no endpoint is configured")
	}
}

func TestNewSpanExporter_EnvOverride(t *testing.T) {
	t.Setenv("REPRISE_OTLP_ENDPOINT", "localhost:4318")

	exp, err := NewSpanExporter(context.Background(), "")
	if err != nil {
		t.Fatalf("NewSpanExporter() error = %v", err)
	}
	if exp == nil {
		t.Fatal("exporter should be enabled via environment override")
	}
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestSpanExporter_NilIsNoOp(t *testing.T) {
	var exp *SpanExporter

	task := &models.Task{ID: "task-1", Backend: "claude"}
	result := &models.IterationResult{Iteration: 1, Outcome: models.OutcomeCompleted}
	exp.ExportIteration(context.Background(), task, result)

	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on nil exporter error = %v, expected nil", err)
	}
}

func TestSpanExporter_ExportIteration(t *testing.T) {
	t.Setenv("REPRISE_OTLP_ENDPOINT", "")

	exp, err := NewSpanExporter(context.Background(), "127.0.0.1:4318")
	if err != nil {
		t.Fatalf("NewSpanExporter() error = %v", err)
	}
	if exp == nil {
		t.Fatal("exporter should be enabled with explicit endpoint")
	}

	task := &models.Task{ID: "task-1", Backend: "claude"}
	result := &models.IterationResult{
		Iteration: 3,
		ExitCode:  0,
		Duration:  250 * time.Millisecond,
		Outcome:   models.OutcomeCompleted,
	}
	exp.ExportIteration(context.Background(), task, result)

	// No collector is listening, so flush with a canceled context rather
	// than waiting out the exporter's retry schedule.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = exp.Shutdown(ctx)
}
