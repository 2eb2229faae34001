package store

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/uq-campaign-go/observe"
)

type ListQuery struct {
	Kind   observe.Kind
	RunID  int64
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	SamplesDrawn   int64 `json:"samplesDrawn"`
	RunsEncoded    int64 `json:"runsEncoded"`
	RunsDispatched int64 `json:"runsDispatched"`
	RunsDecoded    int64 `json:"runsDecoded"`
	RunsFailed     int64 `json:"runsFailed"`
	RunsCollated   int64 `json:"runsCollated"`
}

// Store is the durable campaign log.
type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEvents(ctx context.Context, campaign string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, campaign string, query MetricsQuery) (MetricsSummary, error)
	Close() error
}
