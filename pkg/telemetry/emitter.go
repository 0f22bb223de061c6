// Package telemetry builds spans describing every coordination event,
// correlates them into traces, and persists them to the span log. A
// root invocation establishes a trace ID reused by every child span;
// every operation emits exactly one span per invocation.
package telemetry

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/log"
	"github.com/swarmsh/swarmsh/pkg/metrics"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// Emitter owns span construction, persistence, sampling, and optional
// OTLP forwarding.
type Emitter struct {
	store   *storage.Store
	ids     *ids.Minter
	service string
	version string
	sampler *rate.Limiter
	fwd     *otlpForwarder
}

// Option configures an Emitter at construction time.
type Option func(*Emitter)

// WithSampler installs a rate limiter gating which spans are persisted
// locally; nil (the default) records every span.
func WithSampler(limiter *rate.Limiter) Option {
	return func(e *Emitter) { e.sampler = limiter }
}

// WithOTLPEndpoint enables best-effort forwarding to an OTLP/gRPC
// collector. Connection is lazy and non-blocking: a dead or unreachable
// collector never delays New or the local append path.
func WithOTLPEndpoint(ctx context.Context, endpoint string) Option {
	return func(e *Emitter) {
		if endpoint == "" {
			return
		}
		fwd, err := newOTLPForwarder(ctx, endpoint, e.service, e.version)
		if err != nil {
			log.WithComponent("telemetry").Warn().Err(err).Str("endpoint", endpoint).
				Msg("otlp forwarder unavailable, continuing with local telemetry only")
			return
		}
		e.fwd = fwd
	}
}

// New constructs an Emitter. serviceName/serviceVersion populate every
// span's service.name/service.version attributes.
func New(store *storage.Store, minter *ids.Minter, serviceName, serviceVersion string, opts ...Option) *Emitter {
	e := &Emitter{store: store, ids: minter, service: serviceName, version: serviceVersion}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close releases the OTLP forwarder, if one was configured.
func (e *Emitter) Close(ctx context.Context) error {
	if e.fwd == nil {
		return nil
	}
	return e.fwd.shutdown(ctx)
}

// Span is an in-flight telemetry record. Callers obtain one from Start
// and must call End exactly once on every control-flow exit.
type Span struct {
	emitter       *Emitter
	traceID       string
	spanID        string
	parentSpanID  string
	operationName string
	start         time.Time
	attrs         map[string]string
}

// Start begins a span for operationName. If ctx already carries a trace
// (an enclosing Start call), the new span's trace_id is reused and its
// parent_span_id is set to the enclosing span's span_id; otherwise a
// fresh trace is minted — this call establishes the root span of a new
// trace (e.g. a CLI invocation).
func (e *Emitter) Start(ctx context.Context, operationName string) (context.Context, *Span) {
	traceID, ok := TraceIDFromContext(ctx)
	if !ok {
		traceID = ids.NewTraceID()
	}
	parentSpanID, _ := SpanIDFromContext(ctx)
	spanID := ids.NewSpanID()

	sp := &Span{
		emitter:       e,
		traceID:       traceID,
		spanID:        spanID,
		parentSpanID:  parentSpanID,
		operationName: operationName,
		start:         time.Now(),
		attrs:         make(map[string]string),
	}
	return ContextWithTrace(ctx, traceID, spanID), sp
}

// TraceID returns the span's trace ID, for callers that need to stamp
// it onto a returned entity (e.g. WorkItem.trace_id).
func (s *Span) TraceID() string { return s.traceID }

// SpanID returns this span's own ID.
func (s *Span) SpanID() string { return s.spanID }

// SetAttr records a free-form string attribute, overwriting any prior
// value for key. Returns s for chaining.
func (s *Span) SetAttr(key, value string) *Span {
	s.attrs[key] = value
	return s
}

// End finalizes the span with status and persists/forwards it. status
// should be SpanStatusCompleted on success or SpanStatusError on
// failure — every failure path must emit an error span.
func (s *Span) End(ctx context.Context, status types.SpanStatus) {
	dur := time.Since(s.start)
	span := &types.Span{
		TraceID:        s.traceID,
		SpanID:         s.spanID,
		ParentSpanID:   s.parentSpanID,
		OperationName:  s.operationName,
		ServiceName:    s.emitter.service,
		ServiceVersion: s.emitter.version,
		StartTimeNs:    s.start.UnixNano(),
		DurationMs:     float64(dur) / float64(time.Millisecond),
		Status:         status,
		Attributes:     s.attrs,
	}
	s.emitter.emit(ctx, span)
}

func (e *Emitter) emit(ctx context.Context, span *types.Span) {
	metrics.SpansTotal.WithLabelValues(span.OperationName, string(span.Status)).Inc()
	metrics.OperationDuration.WithLabelValues(span.OperationName).Observe(span.DurationMs / 1000.0)

	if e.sampler != nil && !e.sampler.Allow() {
		return
	}

	if err := e.store.AppendSpan(ctx, span); err != nil {
		metrics.TelemetryEmissionFailuresTotal.Inc()
		log.WithComponent("telemetry").Warn().Err(err).
			Str("operation", span.OperationName).
			Msg("span append failed, telemetry loss is non-fatal")
	}

	if e.fwd != nil {
		go e.fwd.forward(span)
	}
}
