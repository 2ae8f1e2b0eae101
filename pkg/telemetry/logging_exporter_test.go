package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type captureWriter struct {
	entries []string
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.entries = append(c.entries, string(p))
	return len(p), nil
}

func TestLoggingExporterEmitsSpan(t *testing.T) {
	writer := &captureWriter{}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(NewLoggingExporter(zerolog.New(writer)))),
	)
	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "dispatch.respond")
	span.SetAttributes(attribute.String("bitmesh.peer", "peer-1"))
	span.SetStatus(codes.Error, "inference_failed")
	span.End()
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if len(writer.entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(writer.entries))
	}
	for _, want := range []string{`"bitmesh.peer":"peer-1"`, `"status":"Error"`, `"component":"otel"`} {
		if !strings.Contains(writer.entries[0], want) {
			t.Fatalf("log entry %s missing %s", writer.entries[0], want)
		}
	}
}

func TestSpanRecorder(t *testing.T) {
	rec := NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := provider.Tracer("test").Start(context.Background(), "a")
	span.End()
	if rec.FirstSpanNamed("a") == nil || rec.FirstSpanNamed("b") != nil {
		t.Fatal("recorder lookup mismatch")
	}
	if len(rec.Completed()) != 1 {
		t.Fatalf("Completed() = %d spans", len(rec.Completed()))
	}
}
