// Package telemetry wires docket spans to an OTLP/HTTP collector.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracerName is the instrumentation scope of every docket span.
const TracerName = "docket"

// defaultCollector is the local OTLP/HTTP receiver used when tracing is on
// but no endpoint was configured.
const defaultCollector = "http://127.0.0.1:4318"

var ErrNoServiceName = errors.New("telemetry: service name required")

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint accepts a URL or a bare host:port.
	OTLPEndpoint string
	Insecure     bool
}

// Init installs a global tracer provider exporting to cfg.OTLPEndpoint and
// returns the func that flushes it. Disabled telemetry leaves the global
// no-op provider alone, so instrumented code runs unchanged.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, ErrNoServiceName
	}
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	host, plain, err := collectorAddr(cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if cfg.Insecure || plain {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}

	tp, shutdown, err := newTracerProviderWithExporter(exporter, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}
	// trace context travels to the backend through otelhttp
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)
	return shutdown, nil
}

// collectorAddr splits the configured endpoint into the host:port the
// exporter wants and whether it was given as plain http.
func collectorAddr(raw string) (string, bool, error) {
	if raw == "" {
		raw = defaultCollector
	}
	if !strings.Contains(raw, "://") {
		return raw, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("telemetry: bad endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("telemetry: endpoint %q has no host", raw)
	}
	return u.Host, u.Scheme == "http", nil
}

func newTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	return tp, tp.Shutdown, nil
}
