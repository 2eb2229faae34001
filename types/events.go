package types

import "time"

type EventType string

const (
	EventAppAdded       EventType = "app.added"
	EventSamplerSet     EventType = "sample.sampler_set"
	EventSamplesDrawn   EventType = "sample.drawn"
	EventRunEncoded     EventType = "run.encoded"
	EventRunDispatched  EventType = "run.dispatched"
	EventRunDecoded     EventType = "run.decoded"
	EventRunFailed      EventType = "run.failed"
	EventRunRetried     EventType = "run.retried"
	EventCollated       EventType = "collation.completed"
	EventCollateFailed  EventType = "collation.failed"
	EventStateSaved     EventType = "state.saved"
	EventStateLoaded    EventType = "state.loaded"
	EventCampaignPurged EventType = "state.purged"
)

// Event is a campaign lifecycle notification.
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Campaign   string    `json:"campaign,omitempty"`
	App        string    `json:"app,omitempty"`
	RunID      int64     `json:"runId,omitempty"`
	EnsembleID string    `json:"ensembleId,omitempty"`
	Count      int       `json:"count,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
}
