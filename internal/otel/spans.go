package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for execution-core spans.
var (
	AttrTaskID       = attribute.Key("studio.task.id")
	AttrProjectID    = attribute.Key("studio.project.id")
	AttrConversation = attribute.Key("studio.conversation.id")
	AttrRound        = attribute.Key("studio.round")
	AttrToolName     = attribute.Key("studio.tool.name")
	AttrModel        = attribute.Key("studio.llm.model")
	AttrBackend      = attribute.Key("studio.llm.backend")
	AttrTokensInput  = attribute.Key("studio.llm.tokens.input")
	AttrTokensOutput = attribute.Key("studio.llm.tokens.output")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM backend).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
