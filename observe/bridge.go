package observe

import (
	"strings"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func FromCampaignEvent(in types.Event) Event {
	e := Event{
		Timestamp:  in.Timestamp,
		Campaign:   in.Campaign,
		RunID:      in.RunID,
		EnsembleID: in.EnsembleID,
		Name:       string(in.Type),
		App:        in.App,
		Message:    in.Message,
		Error:      in.Error,
		Count:      in.Count,
		Attributes: map[string]any{
			"eventType": string(in.Type),
		},
	}

	prefix, _, _ := strings.Cut(string(in.Type), ".")
	switch prefix {
	case "app":
		e.Kind = KindApp
	case "sample":
		e.Kind = KindSample
	case "run":
		e.Kind = KindRun
	case "collation":
		e.Kind = KindCollation
	case "state":
		e.Kind = KindState
	default:
		e.Kind = KindCustom
	}

	switch {
	case strings.HasSuffix(string(in.Type), "failed"):
		e.Status = StatusFailed
	case in.Type == types.EventRunDispatched:
		e.Status = StatusStarted
	default:
		e.Status = StatusCompleted
	}
	e.Normalize()
	return e
}
