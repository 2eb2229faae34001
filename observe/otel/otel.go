// Package otel turns campaign events into OpenTelemetry spans: one span per
// event, timed from the event timestamp over its duration.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/uq-campaign-go/observe"
)

const (
	instrumentationName = "github.com/PipeOpsHQ/uq-campaign-go"
	maxMessageLen       = 1024
)

const (
	keyKind     = attribute.Key("campaign.event.kind")
	keyEvent    = attribute.Key("campaign.event.name")
	keyCampaign = attribute.Key("campaign.name")
	keyRun      = attribute.Key("campaign.run.id")
	keyEnsemble = attribute.Key("campaign.ensemble.id")
	keyApp      = attribute.Key("campaign.app")
	keyStatus   = attribute.Key("campaign.status")
	keyCount    = attribute.Key("campaign.count")
	keyMessage  = attribute.Key("campaign.message")
)

var spanNames = map[observe.Kind]string{
	observe.KindRun:       "campaign.run",
	observe.KindSample:    "campaign.sample",
	observe.KindCollation: "campaign.collate",
	observe.KindState:     "campaign.state",
	observe.KindApp:       "campaign.app",
}

// Sink is an observe.Sink that records spans on a tracer.
type Sink struct {
	tracer trace.Tracer
}

var _ observe.Sink = (*Sink)(nil)

// NewSink traces through tp, or a noop provider when tp is nil.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

// Emit records event as a span, a child of any span already in ctx.
func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	start := event.Timestamp
	end := start.Add(time.Duration(event.DurationMs) * time.Millisecond)

	_, span := s.tracer.Start(ctx, spanName(event),
		trace.WithTimestamp(start),
		trace.WithAttributes(eventAttributes(event)...),
	)
	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(errors.New(event.Error), trace.WithTimestamp(end))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

func spanName(event observe.Event) string {
	if name, ok := spanNames[event.Kind]; ok {
		return name
	}
	if event.Name != "" {
		return "campaign." + event.Name
	}
	return "campaign.event"
}

func eventAttributes(event observe.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{keyKind.String(string(event.Kind))}
	optional := func(key attribute.Key, v string) {
		if v != "" {
			attrs = append(attrs, key.String(v))
		}
	}
	optional(keyEvent, event.Name)
	optional(keyCampaign, event.Campaign)
	optional(keyEnsemble, event.EnsembleID)
	optional(keyApp, event.App)
	optional(keyStatus, string(event.Status))
	if len(event.Message) > maxMessageLen {
		event.Message = event.Message[:maxMessageLen] + "..."
	}
	optional(keyMessage, event.Message)
	if event.RunID > 0 {
		attrs = append(attrs, keyRun.Int64(event.RunID))
	}
	if event.Count > 0 {
		attrs = append(attrs, keyCount.Int(event.Count))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attributeOf("campaign.attr."+k, v))
	}
	return attrs
}

// attributeOf keeps numeric and boolean values typed; anything else is
// recorded in its fmt form.
func attributeOf(key string, v any) attribute.KeyValue {
	k := attribute.Key(key)
	switch x := v.(type) {
	case string:
		return k.String(x)
	case bool:
		return k.Bool(x)
	case int:
		return k.Int(x)
	case int64:
		return k.Int64(x)
	case float64:
		return k.Float64(x)
	default:
		return k.String(fmt.Sprint(v))
	}
}
