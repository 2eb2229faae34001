package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/collate"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/state/factory"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const (
	stateVersion = 1
	StateFile    = "campaign_state.json"
)

// stateDoc is everything beyond the registry needed to resume a campaign.
type stateDoc struct {
	Version      int                `json:"version"`
	Name         string             `json:"name"`
	CampaignDir  string             `json:"campaignDir"`
	Registry     factory.Descriptor `json:"registry"`
	ActiveApp    string             `json:"activeApp,omitempty"`
	Sampler      types.Descriptor   `json:"sampler,omitempty"`
	Collater     string             `json:"collater"`
	Poll         PollPolicy         `json:"poll"`
	Flatten      bool               `json:"flatten"`
	NextEnsemble int                `json:"nextEnsemble"`
	Cursor       Cursor             `json:"cursor"`
	SavedAt      time.Time          `json:"savedAt"`
}

// StatePath is where SaveState writes when no path is given.
func (c *Campaign) StatePath() string {
	return filepath.Join(c.campaignDir, StateFile)
}

// SaveState writes the campaign's resumable state to path, or to StatePath
// when path is empty. The file is replaced atomically.
func (c *Campaign) SaveState(ctx context.Context, path string) error {
	if path == "" {
		path = c.StatePath()
	}
	c.mu.Lock()
	if c.storeDesc.Backend == "" {
		c.mu.Unlock()
		return fmt.Errorf("campaign %q: registry has no descriptor and cannot be reopened", c.name)
	}
	doc := stateDoc{
		Version:      stateVersion,
		Name:         c.name,
		CampaignDir:  c.campaignDir,
		Registry:     c.storeDesc,
		Collater:     c.collater.Name(),
		Poll:         c.poll,
		Flatten:      c.flatten,
		NextEnsemble: c.nextEnsemble,
		Cursor:       c.cursor,
		SavedAt:      time.Now().UTC(),
	}
	if c.app != nil {
		doc.ActiveApp = c.app.record.Name
	}
	if c.sampler != nil {
		doc.Sampler = c.sampler.Descriptor()
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode campaign state: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write campaign state: %w", err)
	}
	c.emit(ctx, types.Event{Type: types.EventStateSaved, App: doc.ActiveApp, Message: path})
	return nil
}

// LoadState reopens a campaign saved with SaveState. The registry is
// reconnected from the saved descriptor unless WithStore is given.
func LoadState(ctx context.Context, path string, opts ...Option) (*Campaign, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign state: %w", err)
	}
	var doc stateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode campaign state: %w", err)
	}
	if doc.Version != stateVersion {
		return nil, fmt.Errorf("unsupported campaign state version %d", doc.Version)
	}

	c, err := newCampaign(doc.Name, opts...)
	if err != nil {
		return nil, err
	}
	c.campaignDir = doc.CampaignDir
	if c.store == nil {
		c.storeDesc = doc.Registry
	}
	c.poll = doc.Poll
	c.flatten = doc.Flatten
	if doc.Collater != "" {
		collater, err := collate.ByName(doc.Collater)
		if err != nil {
			return nil, err
		}
		c.collater = collater
	}
	if err := c.open(ctx); err != nil {
		return nil, err
	}

	if doc.ActiveApp != "" {
		if err := c.SetApp(ctx, doc.ActiveApp); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	if doc.Sampler != nil {
		sampler, err := c.samplers.Restore(doc.Sampler)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to restore sampler: %w", err)
		}
		c.sampler = sampler
	}
	if doc.NextEnsemble > 0 {
		c.nextEnsemble = doc.NextEnsemble
	}
	if err := c.restoreDrawMark(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.cursor = doc.Cursor
	c.emit(ctx, types.Event{Type: types.EventStateLoaded, App: doc.ActiveApp, Message: path})
	return c, nil
}

// restoreDrawMark applies a draw the registry committed after the state file
// was last saved.
func (c *Campaign) restoreDrawMark(ctx context.Context) error {
	mark, err := c.store.LoadDrawMark(ctx, c.name)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load draw mark: %w", err)
	}
	if mark.NextEnsemble <= c.nextEnsemble {
		return nil
	}
	if mark.Sampler != nil {
		sampler, err := c.samplers.Restore(mark.Sampler)
		if err != nil {
			return fmt.Errorf("failed to restore sampler from draw mark: %w", err)
		}
		c.sampler = sampler
	}
	c.logger.Info("resuming from a draw newer than the saved state",
		zap.String("campaign", c.name),
		zap.Int("saved_next_ensemble", c.nextEnsemble),
		zap.Int("next_ensemble", mark.NextEnsemble),
	)
	c.nextEnsemble = mark.NextEnsemble
	return nil
}

// Purge deletes every run and collated result from the registry. Apps stay
// registered and files under the runs directory are left alone.
func (c *Campaign) Purge(ctx context.Context) error {
	if err := c.store.Purge(ctx); err != nil {
		return fmt.Errorf("failed to purge campaign: %w", err)
	}
	c.mu.Lock()
	c.dataset = nil
	c.cursor = Cursor{}
	c.nextEnsemble = 1
	c.mu.Unlock()
	c.emit(ctx, types.Event{Type: types.EventCampaignPurged})
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
