package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Options configures the tracer provider.
type Options struct {
	ServiceName string
	Environment string
	Endpoint    string
	Enabled     bool
}

// InitTracer registers a global trace provider exporting over OTLP gRPC and
// returns its shutdown function. When tracing is disabled only the propagator
// is installed and the shutdown function is a no-op.
func InitTracer(ctx context.Context, opts Options, log *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if !opts.Enabled {
		log.Info("OpenTelemetry tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	// Create the Exporter
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(opts.Endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Create the Resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.DeploymentEnvironment(opts.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	// Register the Trace Provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	log.Info("OpenTelemetry Tracer initialized",
		"service", opts.ServiceName,
		"endpoint", opts.Endpoint,
	)

	return tp.Shutdown, nil
}
