package campaign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/collate"
	"github.com/PipeOpsHQ/uq-campaign-go/decoders"
	"github.com/PipeOpsHQ/uq-campaign-go/encoders"
	"github.com/PipeOpsHQ/uq-campaign-go/observe"
	observestore "github.com/PipeOpsHQ/uq-campaign-go/observe/store"
	observesqlite "github.com/PipeOpsHQ/uq-campaign-go/observe/store/sqlite"
	"github.com/PipeOpsHQ/uq-campaign-go/sampling"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/state/factory"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

var (
	ErrNoApp     = errors.New("campaign: no active app")
	ErrNoSampler = errors.New("campaign: no sampler set")
)

const (
	registryFile = "campaign.db"
	logFile      = "campaign_log.db"
	runsDirName  = "runs"
)

// PollPolicy bounds how long an ACTIVE run may stay incomplete. MaxPolls is
// the number of scans that may find it unfinished before it is failed; zero
// means no limit.
type PollPolicy struct {
	MaxPolls int `json:"maxPolls"`
}

// Summary is the outcome of a batch operation. Per-run failures are counted
// here rather than returned as errors.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

func (s *Summary) add(o Summary) {
	s.Processed += o.Processed
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.Pending += o.Pending
}

// Cursor records collation progress for the active app.
type Cursor struct {
	LastCollatedRunID int64 `json:"lastCollatedRunId"`
	CollatedCount     int   `json:"collatedCount"`
}

type appHandle struct {
	record  state.AppRecord
	encoder encoders.Encoder
	decoder decoders.Decoder
}

// Campaign ties a sampler, an app and the run registry together. A Campaign
// is safe for use by one driver at a time; batch operations fan out
// internally.
type Campaign struct {
	mu sync.Mutex

	id          string
	name        string
	campaignDir string
	runsDir     string

	store     state.Store
	storeDesc factory.Descriptor
	ownsStore bool
	events    observestore.Store
	ownsLog   bool
	sink      observe.Sink
	logger    *zap.Logger

	samplers    *sampling.Registry
	encoders    *encoders.Registry
	decoders    *decoders.Registry
	collater    collate.Collater
	poll        PollPolicy
	flatten     bool
	concurrency int

	app          *appHandle
	sampler      sampling.Sampler
	nextEnsemble int
	cursor       Cursor
	dataset      *collate.Dataset
}

type Option func(*Campaign)

func WithWorkDir(dir string) Option {
	return func(c *Campaign) {
		if strings.TrimSpace(dir) != "" {
			c.campaignDir = filepath.Join(dir, c.name)
		}
	}
}

// WithStore uses an already opened registry. desc is what SaveState records
// so a later process can reconnect.
func WithStore(store state.Store, desc factory.Descriptor) Option {
	return func(c *Campaign) {
		if store != nil {
			c.store = store
			c.storeDesc = desc
			c.ownsStore = false
		}
	}
}

// WithRegistry opens the registry described by desc instead of the default
// SQLite file in the campaign directory.
func WithRegistry(desc factory.Descriptor) Option {
	return func(c *Campaign) {
		c.storeDesc = desc
	}
}

func WithEventStore(store observestore.Store) Option {
	return func(c *Campaign) {
		if store != nil {
			c.events = store
			c.ownsLog = false
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Campaign) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithSink(sink observe.Sink) Option {
	return func(c *Campaign) {
		c.sink = sink
	}
}

func WithSamplers(r *sampling.Registry) Option {
	return func(c *Campaign) {
		if r != nil {
			c.samplers = r
		}
	}
}

func WithEncoders(r *encoders.Registry) Option {
	return func(c *Campaign) {
		if r != nil {
			c.encoders = r
		}
	}
}

func WithDecoders(r *decoders.Registry) Option {
	return func(c *Campaign) {
		if r != nil {
			c.decoders = r
		}
	}
}

func WithCollater(collater collate.Collater) Option {
	return func(c *Campaign) {
		if collater != nil {
			c.collater = collater
		}
	}
}

func WithPollPolicy(policy PollPolicy) Option {
	return func(c *Campaign) {
		if policy.MaxPolls >= 0 {
			c.poll = policy
		}
	}
}

// WithFlatten puts every run directory directly under the runs root instead
// of bucketing them by id.
func WithFlatten(flatten bool) Option {
	return func(c *Campaign) {
		c.flatten = flatten
	}
}

// WithConcurrency bounds how many runs a batch operation works on at once.
func WithConcurrency(n int) Option {
	return func(c *Campaign) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New creates a campaign rooted at <workdir>/<name>.
func New(ctx context.Context, name string, opts ...Option) (*Campaign, error) {
	c, err := newCampaign(name, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newCampaign(name string, opts ...Option) (*Campaign, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("campaign name is required")
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("campaign name %q must not contain path separators", name)
	}
	c := &Campaign{
		id:           uuid.NewString(),
		name:         name,
		campaignDir:  name,
		ownsStore:    true,
		ownsLog:      true,
		logger:       zap.NewNop(),
		samplers:     sampling.NewRegistry(),
		encoders:     encoders.NewRegistry(),
		decoders:     decoders.NewRegistry(),
		collater:     collate.AggregateSamples{},
		concurrency:  1,
		nextEnsemble: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Campaign) open(ctx context.Context) error {
	abs, err := filepath.Abs(c.campaignDir)
	if err != nil {
		return fmt.Errorf("failed to resolve campaign dir: %w", err)
	}
	c.campaignDir = abs
	c.runsDir = filepath.Join(abs, runsDirName)
	if err := os.MkdirAll(c.runsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create campaign dir: %w", err)
	}

	if c.store == nil {
		if c.storeDesc.Backend == "" {
			c.storeDesc.Backend = factory.BackendSQLite
		}
		if c.storeDesc.SQLitePath == "" {
			c.storeDesc.SQLitePath = filepath.Join(abs, registryFile)
		}
		store, err := factory.Open(ctx, c.storeDesc, c.logger)
		if err != nil {
			return fmt.Errorf("failed to open run registry: %w", err)
		}
		c.store = store
		c.ownsStore = true
	}

	if c.events == nil {
		events, err := observesqlite.New(filepath.Join(abs, logFile))
		if err != nil {
			c.closeStores()
			return fmt.Errorf("failed to open campaign log: %w", err)
		}
		c.events = events
		c.ownsLog = true
	}
	sinks := []observe.Sink{observe.NewLogSink(c.logger), observe.SinkFunc(c.events.SaveEvent)}
	if c.sink != nil {
		sinks = append(sinks, c.sink)
	}
	c.sink = observe.NewMultiSink(sinks...)
	return nil
}

func (c *Campaign) Name() string       { return c.name }
func (c *Campaign) Dir() string        { return c.campaignDir }
func (c *Campaign) RunsDir() string    { return c.runsDir }
func (c *Campaign) Store() state.Store { return c.store }
func (c *Campaign) Policy() PollPolicy { return c.poll }

func (c *Campaign) Cursor() Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Sampler returns the active sampler, or nil.
func (c *Campaign) Sampler() sampling.Sampler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampler
}

// Log returns the campaign's event history, oldest first.
func (c *Campaign) Log(ctx context.Context) ([]observe.Event, error) {
	return c.events.ListEvents(ctx, c.name, observestore.ListQuery{})
}

func (c *Campaign) Metrics(ctx context.Context) (observestore.MetricsSummary, error) {
	return c.events.AggregateMetrics(ctx, c.name, observestore.MetricsQuery{})
}

func (c *Campaign) Close() error {
	return c.closeStores()
}

func (c *Campaign) closeStores() error {
	var errs []error
	if c.ownsLog && c.events != nil {
		errs = append(errs, c.events.Close())
		c.events = nil
	}
	if c.ownsStore && c.store != nil {
		errs = append(errs, c.store.Close())
		c.store = nil
	}
	return errors.Join(errs...)
}

func (c *Campaign) emit(ctx context.Context, e types.Event) {
	e.Campaign = c.name
	if err := c.sink.Emit(ctx, observe.FromCampaignEvent(e)); err != nil {
		c.logger.Warn("campaign event delivery failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

func (c *Campaign) activeApp() (*appHandle, error) {
	if c.app == nil {
		return nil, ErrNoApp
	}
	return c.app, nil
}
