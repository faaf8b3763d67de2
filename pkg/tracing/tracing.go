// Package tracing wraps the process tracer. Every span started here carries the job, channel and
// day the work belongs to, so a trace of one channel-day can be found without knowing its ids.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ramsey-B/fern/pkg/appctx"
)

var (
	tracer     trace.Tracer
	propagator = propagation.TraceContext{}
)

// SetTracer sets the tracer used by StartSpan. A nil tracer disables tracing.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a span tagged with the work identifiers in ctx. Without a tracer the span in
// ctx is returned unchanged and ending it is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(append(workAttributes(ctx), attrs...)...))
}

// Fail marks span as failed with err.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// IDs returns the trace and span id of the recording span in ctx, or empty strings.
func IDs(ctx context.Context) (traceID, spanID string) {
	sc, ok := active(ctx)
	if !ok {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// TraceID returns the trace id of the recording span in ctx, or "".
func TraceID(ctx context.Context) string {
	id, _ := IDs(ctx)
	return id
}

// Inject writes the W3C trace context of ctx through set, once per non-empty header.
func Inject(ctx context.Context, set func(key, value string)) {
	if _, ok := active(ctx); !ok {
		return
	}
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	for _, key := range propagator.Fields() {
		if v := carrier.Get(key); v != "" {
			set(key, v)
		}
	}
}

func active(ctx context.Context) (trace.SpanContext, bool) {
	if tracer == nil {
		return trace.SpanContext{}, false
	}
	sc := trace.SpanContextFromContext(ctx)
	return sc, sc.IsValid()
}

func workAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for key, value := range map[string]string{
		"fern.job":     appctx.GetJob(ctx),
		"fern.run_id":  appctx.GetRunID(ctx),
		"fern.channel": appctx.GetChannel(ctx),
		"fern.day":     appctx.GetDay(ctx),
	} {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	return attrs
}
