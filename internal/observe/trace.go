package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/425732441/full-duplex-voice-demo"

// StartSpan starts a span on the global tracer provider. End the returned
// span when the operation finishes.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// StartSessionSpan starts the root span of a voice session. Every span and
// log line of the session descends from it.
func StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "voicebot.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
}

// CorrelationID returns the hex trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace tags l with the trace_id and span_id of the span in ctx. A nil l
// means slog.Default(). Without a span l is returned unchanged.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
