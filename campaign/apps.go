package campaign

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/uq-campaign-go/decoders"
	"github.com/PipeOpsHQ/uq-campaign-go/encoders"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

// AppSpec describes a simulation target to register.
type AppSpec struct {
	Name    string
	Schema  *types.ParamSchema
	Encoder encoders.Encoder
	Decoder decoders.Decoder
}

// AddApp registers an app and makes it the active one. Apps cannot be
// changed once added.
func (c *Campaign) AddApp(ctx context.Context, spec AppSpec) (state.AppRecord, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return state.AppRecord{}, fmt.Errorf("app name is required")
	}
	if spec.Encoder == nil || spec.Decoder == nil {
		return state.AppRecord{}, fmt.Errorf("app %q needs an encoder and a decoder", spec.Name)
	}
	record, err := c.store.AddApp(ctx, state.AppRecord{
		Name:    spec.Name,
		Schema:  spec.Schema,
		Encoder: spec.Encoder.Descriptor(),
		Decoder: spec.Decoder.Descriptor(),
	})
	if err != nil {
		return state.AppRecord{}, fmt.Errorf("failed to add app %q: %w", spec.Name, err)
	}

	c.mu.Lock()
	c.setApp(&appHandle{record: record, encoder: spec.Encoder, decoder: spec.Decoder})
	c.mu.Unlock()
	c.emit(ctx, types.Event{Type: types.EventAppAdded, App: record.Name})
	return record, nil
}

// SetApp switches the active app to a registered one, rebuilding its encoder
// and decoder from their descriptors.
func (c *Campaign) SetApp(ctx context.Context, name string) error {
	record, err := c.store.GetApp(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load app %q: %w", name, err)
	}
	handle, err := c.restoreApp(record)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setApp(handle)
	return nil
}

func (c *Campaign) restoreApp(record state.AppRecord) (*appHandle, error) {
	enc, err := c.encoders.Restore(record.Encoder)
	if err != nil {
		return nil, fmt.Errorf("failed to restore encoder of app %q: %w", record.Name, err)
	}
	dec, err := c.decoders.Restore(record.Decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to restore decoder of app %q: %w", record.Name, err)
	}
	return &appHandle{record: record, encoder: enc, decoder: dec}, nil
}

func (c *Campaign) setApp(handle *appHandle) {
	if c.app == nil || c.app.record.ID != handle.record.ID {
		c.dataset = nil
		c.cursor = Cursor{}
	}
	c.app = handle
}

// App returns the active app record.
func (c *Campaign) App() (state.AppRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	app, err := c.activeApp()
	if err != nil {
		return state.AppRecord{}, err
	}
	return app.record, nil
}

func (c *Campaign) ListApps(ctx context.Context) ([]state.AppRecord, error) {
	return c.store.ListApps(ctx)
}
