package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	// ServiceName is reported as service.name. Default: "voicebot".
	ServiceName    string
	ServiceVersion string

	// Registerer receives the Prometheus collector served on /metrics.
	// Default: prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// TraceExporter receives finished spans. When nil spans are sampled for
	// log correlation but not exported.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRatio samples this fraction of new traces; remote parents
	// decide for their children. Zero or above one samples everything.
	TraceSampleRatio float64
}

// InitProvider installs global OpenTelemetry meter and tracer providers.
// Metrics are exported through a Prometheus collector. The returned function
// flushes and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voicebot"
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	sampler := sdktrace.AlwaysSample()
	if r := cfg.TraceSampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.TraceIDRatioBased(r)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		// Spans first so the batcher flushes before metrics stop.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
