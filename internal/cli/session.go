package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/campaign"
	"github.com/PipeOpsHQ/uq-campaign-go/collate"
	"github.com/PipeOpsHQ/uq-campaign-go/internal/config"
	"github.com/PipeOpsHQ/uq-campaign-go/observe"
	observeotel "github.com/PipeOpsHQ/uq-campaign-go/observe/otel"
	"github.com/PipeOpsHQ/uq-campaign-go/state/factory"
)

// session is one command's view of a campaign: the parsed campaign file and
// the campaign resumed from its saved state.
type session struct {
	file     *config.CampaignFile
	campaign *campaign.Campaign
	logger   *zap.Logger
}

func (o *rootOptions) loadFile() (*config.CampaignFile, error) {
	f, err := config.LoadCampaignFile(o.file)
	if err != nil {
		return nil, err
	}
	if f.WorkDir == "" {
		abs, err := filepath.Abs(filepath.Dir(o.file))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve work dir: %w", err)
		}
		f.WorkDir = abs
	}
	return f, nil
}

func statePath(f *config.CampaignFile) string {
	return filepath.Join(f.WorkDir, f.Name, campaign.StateFile)
}

// campaignOptions are the options every command opens a campaign with.
func (o *rootOptions) campaignOptions(f *config.CampaignFile) []campaign.Option {
	opts := []campaign.Option{
		campaign.WithLogger(o.logger),
		campaign.WithConcurrency(f.Concurrency),
	}
	if config.ParseBoolEnv("CAMPAIGN_OTEL", false) {
		if o.traces == nil {
			o.traces = observe.NewAsyncSink(observeotel.NewSink(otel.GetTracerProvider()), 0)
		}
		opts = append(opts, campaign.WithSink(o.traces))
	}
	return opts
}

// registryDescriptor fills the registry section of the campaign file from
// the environment where the file leaves it empty.
func registryDescriptor(f *config.CampaignFile) factory.Descriptor {
	desc := factory.Descriptor{
		Backend:     strings.ToLower(strings.TrimSpace(f.Registry.Backend)),
		SQLitePath:  f.Registry.SQLitePath,
		RedisAddr:   f.Registry.RedisAddr,
		RedisDB:     f.Registry.RedisDB,
		RedisPrefix: f.Registry.RedisPrefix,
	}
	if desc.Backend == "" {
		desc.Backend = strings.ToLower(config.Getenv("CAMPAIGN_STATE_BACKEND", factory.BackendSQLite))
	}
	if desc.SQLitePath == "" {
		desc.SQLitePath = config.Getenv("CAMPAIGN_SQLITE_PATH", "")
	}
	if desc.Backend == factory.BackendHybrid {
		if desc.RedisAddr == "" {
			desc.RedisAddr = config.Getenv("CAMPAIGN_REDIS_ADDR", "127.0.0.1:6379")
		}
		if desc.RedisPrefix == "" {
			desc.RedisPrefix = config.Getenv("CAMPAIGN_REDIS_PREFIX", "")
		}
	}
	return desc
}

// create starts a new campaign from the campaign file.
func (o *rootOptions) create(ctx context.Context) (*session, error) {
	f, err := o.loadFile()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(statePath(f)); err == nil {
		return nil, fmt.Errorf("campaign %q already initialized at %s", f.Name, filepath.Dir(statePath(f)))
	}
	collater, err := collate.ByName(f.Collater)
	if err != nil {
		return nil, err
	}
	opts := append(o.campaignOptions(f),
		campaign.WithWorkDir(f.WorkDir),
		campaign.WithRegistry(registryDescriptor(f)),
		campaign.WithCollater(collater),
		campaign.WithFlatten(f.Flatten),
		campaign.WithPollPolicy(campaign.PollPolicy{MaxPolls: f.MaxPolls}),
	)
	c, err := campaign.New(ctx, f.Name, opts...)
	if err != nil {
		return nil, err
	}
	return &session{file: f, campaign: c, logger: o.logger}, nil
}

// open resumes the campaign named by the campaign file.
func (o *rootOptions) open(ctx context.Context) (*session, error) {
	f, err := o.loadFile()
	if err != nil {
		return nil, err
	}
	path := statePath(f)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("campaign %q is not initialized; run `campaign init` first", f.Name)
	}
	c, err := campaign.LoadState(ctx, path, o.campaignOptions(f)...)
	if err != nil {
		return nil, err
	}
	return &session{file: f, campaign: c, logger: o.logger}, nil
}

// close saves the campaign state and releases its stores.
func (s *session) close(ctx context.Context, save bool) error {
	var errs []error
	if save {
		errs = append(errs, s.campaign.SaveState(ctx, ""))
	}
	errs = append(errs, s.campaign.Close())
	return errors.Join(errs...)
}

// observer is the sink runtime components outside the campaign report to.
func (s *session) observer() observe.Sink {
	return observe.NewLogSink(s.logger)
}
