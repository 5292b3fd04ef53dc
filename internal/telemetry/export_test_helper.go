package telemetry

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProviderWithExporter builds a provider around exporter without
// touching global state. Tests in other packages pass a tracetest exporter
// and hand the provider to the component under test.
func NewTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	return newTracerProviderWithExporter(exporter, cfg)
}
