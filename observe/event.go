package observe

import "time"

type Kind string

type Status string

const (
	KindApp       Kind = "app"
	KindSample    Kind = "sample"
	KindRun       Kind = "run"
	KindCollation Kind = "collation"
	KindState     Kind = "state"
	KindCustom    Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Event struct {
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Campaign   string         `json:"campaign,omitempty"`
	RunID      int64          `json:"runId,omitempty"`
	EnsembleID string         `json:"ensembleId,omitempty"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	Name       string         `json:"name,omitempty"`
	App        string         `json:"app,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	Count      int            `json:"count,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
