package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// InitProvider replaces the global providers, so this test is not parallel
// and restores them when done.
func TestInitProvider_ExportsMetricsAndSpans(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	spans := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
		TraceExporter:  spans,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "voicebot.session")
	m.Turns.Add(ctx, 2)
	span.End()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "voicebot_turns") {
			found = true
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 2 {
				t.Errorf("%s: want 2, got %v", f.GetName(), got)
			}
		}
	}
	if !found {
		t.Error("voicebot_turns not exported to the registry")
	}

	// The in-memory exporter forgets its spans on shutdown, so flush first.
	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	if !ok {
		t.Fatalf("global tracer provider: want *sdktrace.TracerProvider, got %T", otel.GetTracerProvider())
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if got := spans.GetSpans(); len(got) != 1 || got[0].Name != "voicebot.session" {
		t.Errorf("exported spans: want [voicebot.session], got %d spans", len(got))
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
