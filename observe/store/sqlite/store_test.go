package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/PipeOpsHQ/uq-campaign-go/observe"
	observestore "github.com/PipeOpsHQ/uq-campaign-go/observe/store"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func TestStore_SaveListAndMetrics(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "log.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	inputs := []types.Event{
		{Type: types.EventSamplesDrawn, Campaign: "c1", EnsembleID: "ensemble_1", Count: 3, Timestamp: now},
		{Type: types.EventRunEncoded, Campaign: "c1", RunID: 1, Timestamp: now.Add(time.Millisecond)},
		{Type: types.EventRunEncoded, Campaign: "c1", RunID: 2, Timestamp: now.Add(2 * time.Millisecond)},
		{Type: types.EventRunFailed, Campaign: "c1", RunID: 3, Error: "missing x", Timestamp: now.Add(3 * time.Millisecond)},
		{Type: types.EventCollated, Campaign: "c1", Count: 2, Timestamp: now.Add(4 * time.Millisecond)},
		{Type: types.EventRunEncoded, Campaign: "other", RunID: 1, Timestamp: now},
	}
	for _, in := range inputs {
		if err := store.Emit(ctx, observe.FromCampaignEvent(in)); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, "c1", observestore.ListQuery{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[3].Kind != observe.KindRun || events[3].Status != observe.StatusFailed || events[3].Error != "missing x" {
		t.Fatalf("unexpected failed event: %+v", events[3])
	}

	runEvents, err := store.ListEvents(ctx, "c1", observestore.ListQuery{RunID: 2})
	if err != nil {
		t.Fatalf("list run events: %v", err)
	}
	if len(runEvents) != 1 || runEvents[0].Name != string(types.EventRunEncoded) {
		t.Fatalf("unexpected run events: %+v", runEvents)
	}

	metrics, err := store.AggregateMetrics(ctx, "c1", observestore.MetricsQuery{})
	if err != nil {
		t.Fatalf("aggregate metrics: %v", err)
	}
	want := observestore.MetricsSummary{SamplesDrawn: 3, RunsEncoded: 2, RunsFailed: 1, RunsCollated: 2}
	if metrics != want {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}
