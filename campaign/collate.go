package campaign

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/actions"
	"github.com/PipeOpsHQ/uq-campaign-go/collate"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

// Collate merges every completed run of the active app that has not been
// collated yet, in run id order. It returns how many runs this call merged;
// calling it again without new completions returns zero.
func (c *Campaign) Collate(ctx context.Context) (int, error) {
	c.mu.Lock()
	app, err := c.activeApp()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	runs, err := c.store.ListRuns(ctx, state.ListRunsQuery{
		Statuses: []types.Status{types.StatusEncoded, types.StatusActive},
		AppID:    app.record.ID,
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })

	entries := make([]state.CollationEntry, 0, len(runs))
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		result := run.Result
		if result == nil {
			if run.RunDir == "" || !app.decoder.SimComplete(run.RunDir) {
				continue
			}
			rc := &actions.RunContext{Run: run, Decoder: app.decoder}
			decode := &actions.Decode{}
			if actErr := decode.Act(ctx, rc); actErr != nil {
				if err := c.stageFailed(ctx, app, rc, decode, actErr); err != nil {
					return 0, err
				}
				continue
			}
			result = rc.Result
		}
		entries = append(entries, state.CollationEntry{
			RunID:      run.ID,
			AppID:      run.AppID,
			EnsembleID: run.EnsembleID,
			Params:     run.Params,
			Result:     result,
		})
	}
	if len(entries) == 0 {
		return 0, nil
	}

	if err := c.store.CommitCollation(ctx, entries); err != nil {
		c.emit(ctx, types.Event{Type: types.EventCollateFailed, App: app.record.Name, Count: len(entries), Error: err.Error()})
		return 0, fmt.Errorf("failed to commit collation: %w", err)
	}

	c.mu.Lock()
	if c.dataset != nil {
		if err := c.dataset.Append(entries); err != nil {
			// Rebuilt from the registry on next read.
			c.logger.Warn("dropping cached dataset", zap.Error(err))
			c.dataset = nil
		}
	}
	c.cursor.LastCollatedRunID = entries[len(entries)-1].RunID
	c.cursor.CollatedCount += len(entries)
	c.mu.Unlock()

	c.emit(ctx, types.Event{Type: types.EventCollated, App: app.record.Name, Count: len(entries)})
	return len(entries), nil
}

// CollationResult returns a snapshot of the active app's collated dataset.
func (c *Campaign) CollationResult(ctx context.Context) (*collate.Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	app, err := c.activeApp()
	if err != nil {
		return nil, err
	}
	if c.dataset == nil {
		entries, err := c.store.LoadCollation(ctx, 0)
		if err != nil {
			return nil, err
		}
		own := entries[:0]
		for _, e := range entries {
			if e.AppID == app.record.ID {
				own = append(own, e)
			}
		}
		ds := collate.NewDataset(c.collater, paramColumns(app.record, own), app.decoder.OutputColumns())
		if err := ds.Append(own); err != nil {
			return nil, err
		}
		c.dataset = ds
	}
	return c.dataset.Clone(), nil
}

func paramColumns(app state.AppRecord, entries []state.CollationEntry) []string {
	if app.Schema != nil && app.Schema.Len() > 0 {
		return app.Schema.Names()
	}
	if len(entries) == 0 {
		return nil
	}
	return entries[0].Params.Keys()
}
