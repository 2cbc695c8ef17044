package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "replyforge"

// StartPipelineSpan starts a span for one inbound event.
func StartPipelineSpan(ctx context.Context, externalID, routingKey string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline",
		trace.WithAttributes(
			attribute.String("inbound.external_id", externalID),
			attribute.String("inbound.routing_key", routingKey),
		),
	)
}

// StartIterationSpan starts a span for one reasoning loop iteration.
func StartIterationSpan(ctx context.Context, iteration int, provider, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "loop.iteration",
		trace.WithAttributes(
			attribute.Int("loop.iteration", iteration),
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		),
	)
}

// StartToolCallSpan starts a span for a tool call within an iteration.
func StartToolCallSpan(ctx context.Context, callID, tool, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", tool),
			attribute.String("toolcall.kind", kind),
		),
	)
}

// StartDeliverySpan starts a span for reply delivery.
func StartDeliverySpan(ctx context.Context, eventID, channel string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "delivery",
		trace.WithAttributes(
			attribute.String("inbound.event_id", eventID),
			attribute.String("delivery.channel", channel),
		),
	)
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
