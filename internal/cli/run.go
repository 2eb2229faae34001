package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/actions"
	"github.com/PipeOpsHQ/uq-campaign-go/campaign"
	"github.com/PipeOpsHQ/uq-campaign-go/internal/config"
	"github.com/PipeOpsHQ/uq-campaign-go/runtime/distributed"
	"github.com/PipeOpsHQ/uq-campaign-go/runtime/queue/redisstreams"
)

const attemptsFile = "attempts.db"

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		pool   string
		noWait bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: encode NEW runs, execute them and decode outputs",
		Long: `run takes every NEW run through directory creation, encoding and execution,
then decodes whatever output is complete.

With the local or distributed pool, run waits for every dispatched job unless
--no-wait is given; runs left ACTIVE are picked up later by scan or watch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			if pool != "" {
				s.file.Execute.Pool = strings.ToLower(pool)
			}
			err = runPipeline(ctx, cmd.OutOrStdout(), s, !noWait)
			if closeErr := s.close(ctx, true); err == nil {
				err = closeErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "override execute.pool (sync, local, distributed)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once jobs are dispatched")
	return cmd
}

func newMCMCCommand(opts *rootOptions) *cobra.Command {
	var mcmc campaign.MCMCOptions
	cmd := &cobra.Command{
		Use:   "mcmc",
		Short: "Advance an MCMC sampler, running each proposal to completion",
		Long: `mcmc draws one proposal at a time, runs it synchronously through the full
pipeline and feeds the decoded --target column back to the chain. The column
holds the target density, or its logarithm with --log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			report, err := runMCMC(ctx, s, mcmc)
			if closeErr := s.close(ctx, true); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mcmc: %s, %d accepted, current %v\n",
				plural(len(report.Steps), "step"), report.Accepted, report.Current)
			return nil
		},
	}
	cmd.Flags().IntVar(&mcmc.Steps, "steps", 10, "number of proposals")
	cmd.Flags().StringVar(&mcmc.Target, "target", "", "output column holding the target density")
	cmd.Flags().BoolVar(&mcmc.LogDensity, "log", false, "the target column is a log density")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runMCMC(ctx context.Context, s *session, opts campaign.MCMCOptions) (campaign.MCMCReport, error) {
	f := s.file
	if strings.TrimSpace(f.Execute.Command) == "" {
		return campaign.MCMCReport{}, fmt.Errorf("campaign file has no execute.command")
	}
	local := actions.NewLocalExecutor(
		actions.WithTimeout(f.ExecuteTimeout()),
		actions.WithExecutorLogger(s.logger),
	)
	execute := &actions.Execute{
		Command:  f.Execute.Command,
		Executor: local,
		Timeout:  f.ExecuteTimeout(),
		Env:      f.Execute.Env,
	}
	return s.campaign.RunMCMC(ctx, execute, opts)
}

// executor is what a run command dispatches through, plus its teardown.
type executor struct {
	exec  actions.Executor
	pool  actions.Pool
	close func() error
}

func buildExecutor(s *session) (*executor, error) {
	f := s.file
	local := actions.NewLocalExecutor(
		actions.WithTimeout(f.ExecuteTimeout()),
		actions.WithExecutorLogger(s.logger),
	)
	switch f.Execute.Pool {
	case config.PoolSync:
		return &executor{exec: local, close: func() error { return nil }}, nil

	case config.PoolLocal:
		p := actions.NewLocalPool(local, f.Execute.Parallel)
		return &executor{exec: p, pool: p, close: func() error { return nil }}, nil

	case config.PoolDistributed:
		q, err := openQueue()
		if err != nil {
			return nil, fmt.Errorf("distributed pool unavailable: %w", err)
		}
		attempts, err := distributed.NewSQLiteAttemptStore(attemptsPath(s))
		if err != nil {
			_ = q.Close()
			return nil, err
		}
		policy := distributed.PolicyFromEnv()
		if f.Execute.MaxAttempts > 0 {
			policy.MaxAttempts = f.Execute.MaxAttempts
		}
		p, err := distributed.NewPool(q, attempts, s.observer(), distributed.PoolConfig{
			Campaign: f.Name,
			Policy:   policy,
		})
		if err != nil {
			_ = q.Close()
			_ = attempts.Close()
			return nil, err
		}
		s.logger.Info("dispatching to distributed pool", zap.String("batch", p.Batch()))
		return &executor{exec: p, pool: p, close: func() error {
			return errors.Join(q.Close(), attempts.Close())
		}}, nil

	default:
		return nil, fmt.Errorf("unknown execute pool %q", f.Execute.Pool)
	}
}

// runPipeline executes the campaign and, for asynchronous pools, waits for
// the jobs and decodes what they wrote.
func runPipeline(ctx context.Context, w io.Writer, s *session, wait bool) error {
	f := s.file
	if strings.TrimSpace(f.Execute.Command) == "" {
		return fmt.Errorf("campaign file has no execute.command")
	}
	ex, err := buildExecutor(s)
	if err != nil {
		return err
	}
	defer ex.close()

	execute := &actions.Execute{
		Command:  f.Execute.Command,
		Executor: ex.exec,
		Timeout:  f.ExecuteTimeout(),
		Env:      f.Execute.Env,
	}
	summary, err := s.campaign.Execute(ctx, execute)
	if err != nil {
		return err
	}
	printSummary(w, "run", summary)
	if ex.pool == nil || !wait || summary.Pending == 0 {
		return nil
	}

	waited, err := s.campaign.Wait(ctx, ex.pool)
	if err != nil {
		return err
	}
	printSummary(w, "wait", waited)
	decoded, err := s.campaign.ApplyForEachRunDir(ctx, &actions.Decode{})
	if err != nil {
		return err
	}
	printSummary(w, "decode", decoded)
	return nil
}

func openQueue() (*redisstreams.Queue, error) {
	return redisstreams.New(
		config.Getenv("CAMPAIGN_REDIS_ADDR", "127.0.0.1:6379"),
		redisstreams.WithPassword(config.Getenv("CAMPAIGN_REDIS_PASSWORD", "")),
		redisstreams.WithDB(config.ParseIntEnv("CAMPAIGN_REDIS_DB", 0)),
		redisstreams.WithPrefix(config.Getenv("CAMPAIGN_QUEUE_PREFIX", "")),
		redisstreams.WithGroup(config.Getenv("CAMPAIGN_QUEUE_GROUP", "")),
	)
}

func attemptsPath(s *session) string {
	return config.Getenv("CAMPAIGN_ATTEMPTS_DB_PATH", filepath.Join(s.campaign.Dir(), attemptsFile))
}
