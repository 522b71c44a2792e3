package otel

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentsh/jailhttpd/internal/store"
)

// convertToLogRecord converts an audit record to an OTEL log Record.
func convertToLogRecord(rec store.Record) otellog.Record {
	var r otellog.Record

	r.SetTimestamp(rec.Timestamp)
	r.SetBody(otellog.StringValue(recordBody(rec)))
	r.SetSeverity(recordSeverity(rec))
	r.SetSeverityText(recordSeverity(rec).String())
	r.AddAttributes(recordAttributes(rec)...)
	return r
}

// recordContext carries the worker's trace id so the log record is
// correlated with the transition span.
func recordContext(ctx context.Context, rec store.Record) context.Context {
	if rec.TraceID == "" {
		return ctx
	}
	b, err := hex.DecodeString(rec.TraceID)
	if err != nil || len(b) != 16 {
		return ctx
	}
	var tid trace.TraceID
	copy(tid[:], b)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, TraceFlags: trace.FlagsSampled})
	return trace.ContextWithSpanContext(ctx, sc)
}

func recordBody(rec store.Record) string {
	if rec.Path != "" {
		return fmt.Sprintf("%s: %s", rec.Outcome, rec.Path)
	}
	return rec.Outcome
}

func recordSeverity(rec store.Record) otellog.Severity {
	switch rec.Outcome {
	case "forbidden":
		return otellog.SeverityError
	case "declined":
		return otellog.SeverityDebug
	default:
		return otellog.SeverityInfo
	}
}

func recordAttributes(rec store.Record) []otellog.KeyValue {
	attrs := []otellog.KeyValue{
		otellog.String("jailhttpd.request.id", rec.RequestID),
		otellog.String("jailhttpd.outcome", rec.Outcome),
		otellog.Int("process.pid", rec.WorkerPID),
		otellog.Int("jailhttpd.uid", rec.UID),
		otellog.Int("jailhttpd.gid", rec.GID),
	}
	if len(rec.Groups) > 0 {
		vals := make([]otellog.Value, len(rec.Groups))
		for i, g := range rec.Groups {
			vals[i] = otellog.IntValue(g)
		}
		attrs = append(attrs, otellog.Slice("jailhttpd.groups", vals...))
	}
	if rec.Host != "" {
		attrs = append(attrs, otellog.String("server.address", rec.Host))
	}
	if rec.Path != "" {
		attrs = append(attrs, otellog.String("jailhttpd.path", rec.Path))
	}
	if rec.Chroot != "" {
		attrs = append(attrs, otellog.String("jailhttpd.chroot", rec.Chroot))
	}
	if rec.Reason != "" {
		attrs = append(attrs, otellog.String("jailhttpd.reason", rec.Reason))
	}
	return attrs
}

// BuildResource creates an OTEL Resource with the service name and optional
// extra attributes.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(
		context.Background(),
		resource.WithAttributes(kvs...),
	)
	return res
}
