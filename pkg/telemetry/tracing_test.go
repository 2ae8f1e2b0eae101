package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

func TestSetupTracingDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, Config{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("setup tracing failed: %v", err)
	}
	if provider == nil {
		t.Fatal("expected provider")
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestSetupTracingLogsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	provider, err := SetupTracing(ctx, Config{LogSpans: true, Logger: zerolog.New(&buf)})
	if err != nil {
		t.Fatalf("setup tracing failed: %v", err)
	}
	_, span := otel.Tracer("test").Start(ctx, "device.start")
	span.End()
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"span_name":"device.start"`)) {
		t.Fatalf("span not logged: %s", buf.String())
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in           string
		insecure     bool
		want         string
		wantInsecure bool
		wantErr      bool
	}{
		{"collector:4318", false, "collector:4318", false, false},
		{"https://collector:4318/", false, "collector:4318", false, false},
		{"http://collector:4318", false, "collector:4318", true, false},
		{"collector:4318", true, "collector:4318", true, false},
		{"https://", false, "", false, true},
	}
	for _, tt := range tests {
		ep, insecure, err := parseEndpoint(tt.in, tt.insecure)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseEndpoint(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if ep != tt.want || insecure != tt.wantInsecure {
			t.Fatalf("parseEndpoint(%q) = %q, %v; want %q, %v", tt.in, ep, insecure, tt.want, tt.wantInsecure)
		}
	}
}
