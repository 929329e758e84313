package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var noopTracer = noop.NewTracerProvider().Tracer(instrumentation)

// StartFetch starts an internal span for the fetch of key. With a nil cfg
// the span is a no-op.
func StartFetch(ctx context.Context, cfg *Config, key string) (context.Context, trace.Span) {
	tr := noopTracer
	if cfg != nil {
		tr = cfg.tracer()
	}
	return tr.Start(ctx, "chizhick.Fetch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
}

// EndFetch records the outcome and ends span. Pending outcomes are not
// errors.
func EndFetch(span trace.Span, outcome string, err error, pending bool) {
	span.SetAttributes(attribute.String("fetch.outcome", outcome))
	if err != nil && !pending {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
