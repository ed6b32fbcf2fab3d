package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContextStrings serializes the current span context to the W3C
// header pair. Outbox rows store these so the publisher can resume the
// trace when the event finally ships.
func TraceContextStrings(ctx context.Context) (traceparent, tracestate string) {
	mc := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, mc)
	return mc["traceparent"], mc["tracestate"]
}

// ContextWithTraceContext is the inverse: it rehydrates a context from
// stored header values. Both empty means no trace was recorded and the
// context passes through untouched.
func ContextWithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" && tracestate == "" {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier{
		"traceparent": traceparent,
		"tracestate":  tracestate,
	})
}
