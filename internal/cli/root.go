package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PipeOpsHQ/uq-campaign-go/internal/config"
	"github.com/PipeOpsHQ/uq-campaign-go/observe"
)

type rootOptions struct {
	file    string
	envFile string
	verbose bool

	logger *zap.Logger
	out    io.Writer
	traces *observe.AsyncSink
}

// NewRootCommand builds the campaign command tree. Output goes to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out, logger: zap.NewNop()}
	root := &cobra.Command{
		Use:   "campaign",
		Short: "Run ensembles of simulations for uncertainty quantification",
		Long: `campaign drives an ensemble of simulation runs from a campaign file:
draw parameter samples, encode run directories, execute the model,
then collate decoded outputs into one dataset.

Every command reads the campaign file given with --file and resumes the
campaign state saved next to its run directories.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(opts.envFile); err != nil {
				return err
			}
			cfg := zap.NewProductionConfig()
			if opts.verbose || config.ParseBoolEnv("CAMPAIGN_DEBUG", false) {
				cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.traces != nil {
				opts.traces.Close()
				if n := opts.traces.Dropped(); n > 0 {
					opts.logger.Warn("trace events dropped", zap.Int64("count", n))
				}
			}
			_ = opts.logger.Sync()
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.file, "file", "f", "campaign.yaml", "campaign file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before running")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newInitCommand(opts),
		newDrawCommand(opts),
		newPopulateCommand(opts),
		newRunCommand(opts),
		newMCMCCommand(opts),
		newScanCommand(opts),
		newCollateCommand(opts),
		newStatusCommand(opts),
		newRunsCommand(opts),
		newRetryCommand(opts),
		newPurgeCommand(opts),
		newLogCommand(opts),
		newWatchCommand(opts),
		newWorkerCommand(opts),
		newQueueCommand(opts),
	)
	return root
}

// Execute runs the command tree with args and reports any error on stderr.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCommand(os.Stdout)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// loadEnv reads a dotenv file without overriding variables already set. A
// missing file is fine.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
