package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/PipeOpsHQ/uq-campaign-go/observe"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func TestSinkEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	err := sink.Emit(context.Background(), observe.FromCampaignEvent(types.Event{
		Type:       types.EventRunDecoded,
		Campaign:   "cooling",
		RunID:      12,
		EnsembleID: "ensemble_2",
		Timestamp:  time.Now(),
	}))
	if err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "campaign.run" {
		t.Errorf("expected span name 'campaign.run', got %q", span.Name)
	}
	attrMap := attrToMap(span.Attributes)
	if v := attrMap["campaign.run.id"]; v != "12" {
		t.Errorf("missing or wrong campaign.run.id: %v", attrMap)
	}
	if v := attrMap["campaign.ensemble.id"]; v != "ensemble_2" {
		t.Errorf("missing or wrong campaign.ensemble.id: %v", attrMap)
	}
}

func TestSpanNaming(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	now := time.Now()
	tests := []struct {
		event    observe.Event
		wantName string
	}{
		{observe.Event{Kind: observe.KindSample, Timestamp: now}, "campaign.sample"},
		{observe.Event{Kind: observe.KindCollation, Timestamp: now}, "campaign.collate"},
		{observe.Event{Kind: observe.KindState, Timestamp: now}, "campaign.state"},
		{observe.Event{Kind: observe.KindCustom, Name: "watch_tick", Timestamp: now}, "campaign.watch_tick"},
	}
	for _, tt := range tests {
		exporter.Reset()
		_ = sink.Emit(context.Background(), tt.event)
		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Errorf("expected 1 span for %s, got %d", tt.wantName, len(spans))
			continue
		}
		if spans[0].Name != tt.wantName {
			t.Errorf("expected span name %q, got %q", tt.wantName, spans[0].Name)
		}
	}
}

func TestSinkErrorStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	_ = sink.Emit(context.Background(), observe.FromCampaignEvent(types.Event{
		Type:      types.EventRunFailed,
		RunID:     2,
		Error:     "exit code 1",
		Timestamp: time.Now(),
	}))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event recorded on span")
	}
}

func TestSinkTypedAttributesAndDuration(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_ = NewSink(tp).Emit(context.Background(), observe.Event{
		Kind:       observe.KindCollation,
		Timestamp:  start,
		DurationMs: 1500,
		Count:      4,
		Attributes: map[string]any{"rows": 4, "flatten": true, "collater": "aggregate"},
	})
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].EndTime.Sub(spans[0].StartTime); got != 1500*time.Millisecond {
		t.Errorf("expected 1.5s span, got %v", got)
	}
	valueTypes := map[string]attribute.Type{}
	for _, a := range spans[0].Attributes {
		valueTypes[string(a.Key)] = a.Value.Type()
	}
	if valueTypes["campaign.attr.rows"] != attribute.INT64 || valueTypes["campaign.attr.flatten"] != attribute.BOOL || valueTypes["campaign.count"] != attribute.INT64 {
		t.Errorf("expected typed attributes, got %v", valueTypes)
	}
}

func TestNilTracerProvider(t *testing.T) {
	sink := NewSink(nil)
	if err := sink.Emit(context.Background(), observe.Event{Kind: observe.KindRun, Timestamp: time.Now()}); err != nil {
		t.Errorf("expected no error with nil provider, got: %v", err)
	}
}

func attrToMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
