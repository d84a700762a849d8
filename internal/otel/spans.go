package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for daemon spans.
var (
	AttrTaskID       = attribute.Key("ouroboros.task.id")
	AttrTaskType     = attribute.Key("ouroboros.task.type")
	AttrWorkerID     = attribute.Key("ouroboros.worker.id")
	AttrRound        = attribute.Key("ouroboros.task.round")
	AttrModel        = attribute.Key("ouroboros.model.identity")
	AttrTokensInput  = attribute.Key("ouroboros.model.tokens.input")
	AttrTokensOutput = attribute.Key("ouroboros.model.tokens.output")
	AttrToolName     = attribute.Key("ouroboros.tool.name")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model API, price list).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
