package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/swarmsh/swarmsh/pkg/types"
)

// otlpForwarder mirrors locally-persisted spans onto a real OTel
// TracerProvider backed by an OTLP/gRPC exporter. Forwarding replays a
// span's recorded start/duration onto a fresh OTel span via
// trace.WithTimestamp rather than constructing a ReadOnlySpan by hand —
// SwarmSH's own JSONL log remains the span's authoritative record; this
// is a best-effort mirror for external collectors.
type otlpForwarder struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

func newOTLPForwarder(ctx context.Context, endpoint, serviceName, serviceVersion string) (*otlpForwarder, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return &otlpForwarder{tp: tp, tracer: tp.Tracer("swarmsh/coordination")}, nil
}

func (f *otlpForwarder) forward(span *types.Span) {
	attrs := make([]attribute.KeyValue, 0, len(span.Attributes)+1)
	attrs = append(attrs, attribute.String("swarmsh.trace_id", span.TraceID))
	for k, v := range span.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	start := time.Unix(0, span.StartTimeNs)
	_, otelSpan := f.tracer.Start(context.Background(), span.OperationName,
		trace.WithTimestamp(start),
		trace.WithAttributes(attrs...),
	)
	end := start.Add(time.Duration(span.DurationMs * float64(time.Millisecond)))
	otelSpan.End(trace.WithTimestamp(end))
}

func (f *otlpForwarder) shutdown(ctx context.Context) error {
	return f.tp.Shutdown(ctx)
}
