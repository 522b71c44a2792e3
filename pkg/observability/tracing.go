// Package observability provides OpenTelemetry tracing for identity
// transitions.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the OpenTelemetry tracer name.
	TracerName = "jailhttpd"
)

// Transition describes the request a transition span belongs to.
type Transition struct {
	RequestID string
	Host      string
	Path      string
	WorkerPID int
	Chroot    string
}

// TraceTransition starts a span for one run of the identity transition
// engine.
func TraceTransition(ctx context.Context, t *Transition) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)

	attrs := []attribute.KeyValue{
		attribute.String("request.id", t.RequestID),
		attribute.Int("worker.pid", t.WorkerPID),
	}
	if t.Host != "" {
		attrs = append(attrs, attribute.String("http.host", t.Host))
	}
	if t.Path != "" {
		attrs = append(attrs, attribute.String("resource.path", t.Path))
	}
	if t.Chroot != "" {
		attrs = append(attrs, attribute.String("jail.dir", t.Chroot))
	}

	return tracer.Start(ctx, "identity_transition",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordIdentity records the resolved identity on a span.
func RecordIdentity(span trace.Span, uid, gid int, groups []int) {
	span.SetAttributes(
		attribute.Int("identity.uid", uid),
		attribute.Int("identity.gid", gid),
		attribute.IntSlice("identity.groups", groups),
	)
}

// RecordState adds a state machine step as a span event.
func RecordState(span trace.Span, state string) {
	span.AddEvent(state)
}

// RecordOutcome records the transition outcome. A forbidden outcome marks
// the span as failed.
func RecordOutcome(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("transition.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// ExtractTraceID extracts the trace ID from a context.
func ExtractTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
