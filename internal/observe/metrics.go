// Package observe instruments the voice bot: OpenTelemetry metrics exported
// to Prometheus, tracing with trace-tagged logging, the HTTP middleware and a
// pipeline observer that derives conversation metrics from frames.
//
// Use [DefaultMetrics] in the binary. Tests build their own instruments with
// [NewMetrics] over a private meter provider.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the voice bot's instruments. Safe for concurrent use.
type Metrics struct {
	// TTFB and ProcessingDuration carry a "stage" attribute.
	TTFB               metric.Float64Histogram
	ProcessingDuration metric.Float64Histogram

	// ResponseLatency is end of user turn to first bot audio.
	ResponseLatency metric.Float64Histogram

	ProviderRequests   metric.Int64Counter // provider, kind, status
	ProviderErrors     metric.Int64Counter // provider, kind
	PipelineErrors     metric.Int64Counter // kind
	Turns              metric.Int64Counter // role, forced
	Interruptions      metric.Int64Counter
	CircuitTransitions metric.Int64Counter // breaker, to

	// PromptTokens and CompletionTokens count LLM token usage by provider.
	PromptTokens     metric.Int64Counter
	CompletionTokens metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware] with method, route and
	// status attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// Voice latencies sit between a few milliseconds (VAD, framing) and several
// seconds (a slow LLM first token).
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scopeName)
	var errs []error
	latency := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...))
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m := &Metrics{
		TTFB:               latency("voicebot.stage.ttfb", "Time from a provider request to its first result."),
		ProcessingDuration: latency("voicebot.stage.processing", "Duration of a provider request."),
		ResponseLatency:    latency("voicebot.response.latency", "Time from the end of a user turn to the first bot audio."),
		ProviderRequests:   counter("voicebot.provider.requests", "Provider requests by provider, kind and status."),
		ProviderErrors:     counter("voicebot.provider.errors", "Provider errors by provider and kind."),
		PipelineErrors:     counter("voicebot.pipeline.errors", "Classified pipeline errors."),
		Turns:              counter("voicebot.turns", "Completed turns by role."),
		Interruptions:      counter("voicebot.interruptions", "User barge-ins on bot responses."),
		CircuitTransitions: counter("voicebot.circuit.transitions", "Circuit breaker state changes."),
		PromptTokens:       counter("voicebot.llm.tokens.prompt", "Prompt tokens billed by LLM provider."),
		CompletionTokens:   counter("voicebot.llm.tokens.completion", "Completion tokens billed by LLM provider."),
	}
	var err error
	m.ActiveSessions, err = meter.Int64UpDownCounter("voicebot.active_sessions",
		metric.WithDescription("Live voice sessions."))
	errs = append(errs, err)
	m.HTTPRequestDuration, err = meter.Float64Histogram("voicebot.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."), metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider. Call it after [InitProvider] so the instruments reach the
// Prometheus exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordProviderRequest counts one provider call. kind is "stt", "llm" or
// "tts"; status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordTTFB(ctx context.Context, stage string, d time.Duration) {
	m.TTFB.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) RecordProcessing(ctx context.Context, stage string, d time.Duration) {
	m.ProcessingDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) RecordPipelineError(ctx context.Context, kind string) {
	m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordCircuitTransition(ctx context.Context, breaker, to string) {
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordTokenUsage(ctx context.Context, provider string, prompt, completion int) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.PromptTokens.Add(ctx, int64(prompt), attrs)
	m.CompletionTokens.Add(ctx, int64(completion), attrs)
}
