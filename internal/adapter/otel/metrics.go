package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "replyforge"

// Metrics holds the pipeline metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsAdmitted   metric.Int64Counter
	EventsFinished   metric.Int64Counter
	ToolCalls        metric.Int64Counter
	ToolDuration     metric.Float64Histogram
	LoopIterations   metric.Int64Histogram
	ProviderTokens   metric.Int64Counter
	DeliveryFailures metric.Int64Counter
	PipelineDuration metric.Float64Histogram
}

// NewMetrics creates all instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAdmitted, err = meter.Int64Counter("replyforge.events.admitted",
		metric.WithDescription("Inbound events by admission decision"))
	if err != nil {
		return nil, err
	}

	m.EventsFinished, err = meter.Int64Counter("replyforge.events.finished",
		metric.WithDescription("Inbound events by terminal status and outcome"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("replyforge.toolcalls",
		metric.WithDescription("Tool calls by tool, kind and status"))
	if err != nil {
		return nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram("replyforge.toolcall.duration_seconds",
		metric.WithDescription("Tool call duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.LoopIterations, err = meter.Int64Histogram("replyforge.loop.iterations",
		metric.WithDescription("Provider calls per reasoning loop"))
	if err != nil {
		return nil, err
	}

	m.ProviderTokens, err = meter.Int64Counter("replyforge.provider.tokens",
		metric.WithDescription("Tokens billed by provider"))
	if err != nil {
		return nil, err
	}

	m.DeliveryFailures, err = meter.Int64Counter("replyforge.delivery.failures",
		metric.WithDescription("Failed reply deliveries"))
	if err != nil {
		return nil, err
	}

	m.PipelineDuration, err = meter.Float64Histogram("replyforge.pipeline.duration_seconds",
		metric.WithDescription("Pipeline task duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAdmission counts one admission decision.
func (m *Metrics) RecordAdmission(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.EventsAdmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordFinished counts a terminal event and its pipeline duration.
func (m *Metrics) RecordFinished(ctx context.Context, status, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status), attribute.String("outcome", outcome))
	m.EventsFinished.Add(ctx, 1, attrs)
	m.PipelineDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordToolCall counts a resolved tool call.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordLoop records how many provider calls a loop made.
func (m *Metrics) RecordLoop(ctx context.Context, iterations int, outcome string) {
	if m == nil {
		return
	}
	m.LoopIterations.Record(ctx, int64(iterations), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTokens counts input and output tokens for one answer.
func (m *Metrics) RecordTokens(ctx context.Context, provider, model string, in, out int64) {
	if m == nil {
		return
	}
	base := []attribute.KeyValue{attribute.String("provider", provider), attribute.String("model", model)}
	m.ProviderTokens.Add(ctx, in, metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	m.ProviderTokens.Add(ctx, out, metric.WithAttributes(append(base, attribute.String("direction", "output"))...))
}

// RecordDeliveryFailure counts one failed delivery.
func (m *Metrics) RecordDeliveryFailure(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}
