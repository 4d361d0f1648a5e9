// Package telemetry bootstraps the OpenTelemetry tracing that backs the
// API middleware spans.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs the global propagator and tracer provider. Spans go to
// stdout next to the JSON logs so the engine can run headless under a log
// collector. The returned shutdown flushes buffered spans; call it on
// process exit.
func Setup(ctx context.Context) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(0)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
