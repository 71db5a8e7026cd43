package observe

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// SetupConfig describes the service to the telemetry backends.
type SetupConfig struct {
	// ServiceName defaults to "hearthline".
	ServiceName string

	// ServiceVersion is the build version stamped on every metric and span.
	ServiceVersion string

	// SpanExporter receives finished spans. Nil means spans are recorded but
	// never leave the process, which is enough for tests and for deployments
	// that only scrape metrics.
	SpanExporter sdktrace.SpanExporter
}

// Telemetry owns the process-global OpenTelemetry providers. Metrics flow
// through a Prometheus bridge scraped at /metrics; traces go to the
// configured span exporter.
type Telemetry struct {
	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

// Setup installs the meter and tracer providers as the OTel globals and
// returns a handle whose Shutdown flushes them. Each process instance gets a
// random service.instance.id so replicas are distinguishable in the backend.
func Setup(_ context.Context, cfg SetupConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "hearthline"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(uuid.NewString()),
		),
	)
	if err != nil {
		return nil, err
	}

	bridge, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(bridge),
		),
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	t.traces = sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.traces)
	return t, nil
}

// Shutdown flushes and stops both providers. Call it after the HTTP server
// has drained so the final scrape still sees the closing metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}
