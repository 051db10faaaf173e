// Package telemetry wires the OpenTelemetry tracer provider used by fitproofd.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName is the resource name reported on every span.
const ServiceName = "fitproof-service"

// TracerProvider is the global tracer provider
var TracerProvider *sdktrace.TracerProvider

type options struct {
	writer  io.Writer
	pretty  bool
	version string
	sync    bool
}

// Option configures InitTracer.
type Option func(*options)

// WithWriter sends exported spans to w instead of stdout.
func WithWriter(w io.Writer) Option { return func(o *options) { o.writer = w } }

// WithCompactOutput disables pretty-printed span JSON.
func WithCompactOutput() Option { return func(o *options) { o.pretty = false } }

// WithVersion sets the service.version resource attribute.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithSyncExport exports each span as it ends instead of batching.
func WithSyncExport() Option { return func(o *options) { o.sync = true } }

// InitTracer initializes the OpenTelemetry tracer
func InitTracer(serviceName string, opts ...Option) (*sdktrace.TracerProvider, error) {
	o := options{writer: os.Stdout, pretty: true, version: "1.0.0"}
	for _, opt := range opts {
		opt(&o)
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(o.writer)}
	if o.pretty {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	// Create a resource with service information
	res, err := resource.New(context.Background(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(o.version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	processor := sdktrace.WithBatcher(exporter)
	if o.sync {
		processor = sdktrace.WithSyncer(exporter)
	}
	tp := sdktrace.NewTracerProvider(processor, sdktrace.WithResource(res))

	// Set the global tracer provider
	otel.SetTracerProvider(tp)

	// Set the global propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	TracerProvider = tp

	return tp, nil
}

// ShutdownTracer flushes and stops the tracer provider.
func ShutdownTracer(ctx context.Context) {
	if TracerProvider != nil {
		if err := TracerProvider.Shutdown(ctx); err != nil {
			slog.Warn("error shutting down tracer provider", "error", err)
		}
	}
}
