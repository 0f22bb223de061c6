package telemetry

import "context"

type contextKey int

const (
	traceIDKey contextKey = iota
	spanIDKey
)

// ContextWithTrace attaches the active trace/span pair to ctx so nested
// calls can correlate without threading IDs through every signature.
func ContextWithTrace(ctx context.Context, traceID, spanID string) context.Context {
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	ctx = context.WithValue(ctx, spanIDKey, spanID)
	return ctx
}

// TraceIDFromContext returns the trace ID established by the nearest
// enclosing Start call, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	return v, ok && v != ""
}

// SpanIDFromContext returns the span ID of the nearest enclosing Start
// call, used as the parent_span_id of a child span.
func SpanIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(spanIDKey).(string)
	return v, ok && v != ""
}
