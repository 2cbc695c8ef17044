package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Strob0t/ReplyForge/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OTEL{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordAdmission(ctx, "proceed")
	m.RecordFinished(ctx, "completed", "answered", time.Second)
	m.RecordToolCall(ctx, "search_knowledge_base", "builtin", "success", time.Millisecond)
	m.RecordLoop(ctx, 2, "answer")
	m.RecordTokens(ctx, "anthropic", "claude", 10, 5)
	m.RecordDeliveryFailure(ctx, "telegram")
}

func TestMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		t.Fatalf("newMetrics: %v", err)
	}

	ctx := context.Background()
	m.RecordAdmission(ctx, "proceed")
	m.RecordAdmission(ctx, "duplicate")
	m.RecordToolCall(ctx, "order_status", "http_proxy", "timeout", 30*time.Second)
	m.RecordDeliveryFailure(ctx, "evolution")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			seen[md.Name] = true
		}
	}
	for _, name := range []string{
		"replyforge.events.admitted",
		"replyforge.toolcalls",
		"replyforge.toolcall.duration_seconds",
		"replyforge.delivery.failures",
	} {
		if !seen[name] {
			t.Errorf("metric %s not collected", name)
		}
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	_, span := tp.Tracer(tracerName).Start(context.Background(), "delivery")

	EndSpan(span, errors.New("gateway down"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	if len(ended[0].Events()) == 0 {
		t.Fatal("expected recorded error event")
	}
}
