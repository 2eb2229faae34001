package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/actions"
	"github.com/PipeOpsHQ/uq-campaign-go/internal/config"
	"github.com/PipeOpsHQ/uq-campaign-go/observe"
	"github.com/PipeOpsHQ/uq-campaign-go/runtime/distributed"
)

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	var (
		workerID     string
		capacity     int
		attemptsPath string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve the distributed run queue until interrupted",
		Long: `worker claims run jobs from the Redis Streams queue and executes them in
their run directories, which must be reachable at the same path as on the
machine that dispatched them. Failed jobs are retried with backoff and then
dead-lettered.

The worker does not need the campaign file; it is configured through
CAMPAIGN_REDIS_* and CAMPAIGN_QUEUE_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := opts.logger
			if attemptsPath == "" {
				attemptsPath = config.Getenv("CAMPAIGN_ATTEMPTS_DB_PATH", filepath.Join(".", attemptsFile))
			}

			q, err := openQueue()
			if err != nil {
				return fmt.Errorf("queue unavailable: %w", err)
			}
			defer q.Close()
			attempts, err := distributed.NewSQLiteAttemptStore(attemptsPath)
			if err != nil {
				return err
			}
			defer attempts.Close()

			executor := actions.NewLocalExecutor(
				actions.WithExecutorLogger(logger),
				actions.WithTimeout(config.GetenvDuration("CAMPAIGN_EXECUTE_TIMEOUT", 0)),
			)
			worker, err := distributed.NewWorker(
				distributed.WorkerConfig{WorkerID: workerID, Capacity: capacity},
				attempts, q, observe.NewLogSink(logger), distributed.PolicyFromEnv(), executor,
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %s serving with capacity %d\n", worker.ID(), capacity)
			err = worker.Start(ctx)
			if errors.Is(err, context.Canceled) {
				logger.Info("worker stopped", zap.String("worker_id", worker.ID()))
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "", "worker id (default: generated)")
	cmd.Flags().IntVar(&capacity, "capacity", config.ParseIntEnv("CAMPAIGN_WORKER_CAPACITY", 1), "jobs executed concurrently")
	cmd.Flags().StringVar(&attemptsPath, "attempts-db", "", "sqlite file for attempt history")
	return cmd
}
