package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/PipeOpsHQ/uq-campaign-go/sampling"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func (c *Campaign) SetSampler(ctx context.Context, s sampling.Sampler) error {
	if s == nil {
		return fmt.Errorf("sampler is required")
	}
	c.mu.Lock()
	c.sampler = s
	c.mu.Unlock()
	c.emit(ctx, types.Event{Type: types.EventSamplerSet, Message: s.Name()})
	return nil
}

const maxDrawPrealloc = 1024

// DrawSamples draws up to n samples into a new ensemble of NEW runs. n <= 0
// draws everything a finite sampler has left. Every sample is validated
// against the app schema first; if any is rejected nothing is stored and the
// sampler is rewound. The runs and the sampler position after them are
// committed together.
func (c *Campaign) DrawSamples(ctx context.Context, n int) ([]state.RunRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	app, err := c.activeApp()
	if err != nil {
		return nil, err
	}
	if c.sampler == nil {
		return nil, ErrNoSampler
	}
	if n <= 0 {
		if !c.sampler.IsFinite() {
			return nil, fmt.Errorf("sampler %q is infinite; give an explicit sample count", c.sampler.Name())
		}
		n = sampling.Remaining(c.sampler)
	}
	snapshot := c.sampler.Descriptor()
	rewind := func() {
		if restored, err := c.samplers.Restore(snapshot); err == nil {
			c.sampler = restored
		}
	}

	ensemble := fmt.Sprintf("ensemble_%d", c.nextEnsemble)
	runs := make([]state.RunRecord, 0, min(n, maxDrawPrealloc))
	for i := 0; i < n; i++ {
		params, err := c.sampler.Next()
		if errors.Is(err, sampling.ErrExhausted) {
			break
		}
		if err != nil {
			rewind()
			return nil, fmt.Errorf("failed to draw sample: %w", err)
		}
		valid, err := app.record.Schema.Validate(params)
		if err != nil {
			rewind()
			return nil, fmt.Errorf("sample %d of %s rejected: %w", i+1, ensemble, err)
		}
		runs = append(runs, state.RunRecord{
			AppID:      app.record.ID,
			EnsembleID: ensemble,
			Params:     valid,
			Status:     types.StatusNew,
		})
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("sampler %q: %w", c.sampler.Name(), sampling.ErrExhausted)
	}

	mark := state.DrawMark{Campaign: c.name, Sampler: c.sampler.Descriptor(), NextEnsemble: c.nextEnsemble + 1}
	stored, err := c.store.AddDraw(ctx, runs, mark)
	if err != nil {
		rewind()
		return nil, fmt.Errorf("failed to register runs: %w", err)
	}
	c.nextEnsemble++
	c.emit(ctx, types.Event{Type: types.EventSamplesDrawn, App: app.record.Name, EnsembleID: ensemble, Count: len(stored)})
	return stored, nil
}
