// Package telemetry wires OpenTelemetry tracing for the device.
package telemetry

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is an OTLP/HTTP collector address. Empty disables export.
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	// LogSpans writes every finished span to Logger.
	LogSpans bool
	Logger   zerolog.Logger
}

// SetupTracing installs a global tracer provider and propagators. Callers
// own the returned provider and must shut it down.
func SetupTracing(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bitmesh"
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		)),
	}

	if cfg.Endpoint != "" {
		ep, insecure, err := parseEndpoint(cfg.Endpoint, cfg.Insecure)
		if err != nil {
			return nil, err
		}
		clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
		if insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	if cfg.LogSpans {
		opts = append(opts, sdktrace.WithSyncer(NewLoggingExporter(cfg.Logger)))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider, nil
}

// parseEndpoint strips a URL scheme. http:// forces an insecure exporter.
func parseEndpoint(endpoint string, insecure bool) (string, bool, error) {
	ep := endpoint
	switch {
	case strings.HasPrefix(ep, "https://"):
		ep = strings.TrimPrefix(ep, "https://")
	case strings.HasPrefix(ep, "http://"):
		ep = strings.TrimPrefix(ep, "http://")
		insecure = true
	}
	ep = strings.TrimRight(ep, "/")
	if ep == "" {
		return "", false, errors.New("invalid OTLP endpoint")
	}
	return ep, insecure, nil
}
