package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/runtime/cron"
)

const watchJob = "watch"

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		schedule      string
		tasks         []string
		untilComplete bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Scan and collate on a schedule while runs finish",
		Long: `watch runs campaign upkeep on a cron schedule: scan polls ACTIVE runs and
decodes finished ones, collate merges them into the dataset, save writes the
campaign state. Schedule and tasks default to the campaign file's watch
section, then to "@every 30s" with scan and collate.

With --until-complete, watch exits once every run that has not failed is
complete and collated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.close(context.WithoutCancel(ctx), true)

			if schedule == "" {
				schedule = s.file.Watch.Schedule
			}
			if schedule == "" {
				schedule = "@every 30s"
			}
			if len(tasks) == 0 {
				tasks = s.file.Watch.Tasks
			}
			parsed, err := cron.ParseTasks(tasks)
			if err != nil {
				return err
			}

			upkeep := cron.CampaignRunFunc(s.campaign)
			scheduler := cron.New(func(ctx context.Context, cfg cron.JobConfig) (string, error) {
				out, err := upkeep(ctx, cfg)
				if err != nil || !untilComplete {
					return out, err
				}
				done, err := s.campaign.AllComplete(ctx)
				if err != nil {
					return out, err
				}
				if done {
					s.logger.Info("all runs complete, stopping watch")
					cancel()
				}
				return out, nil
			}, cron.WithLogger(s.logger))
			if err := scheduler.Add(watchJob, schedule, cron.JobConfig{Tasks: parsed}); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "watching %s (%s)\n", s.file.Name, schedule)
			scheduler.Start(ctx)
			defer scheduler.Stop()
			if _, err := scheduler.Trigger(watchJob); err != nil {
				s.logger.Warn("initial watch pass failed", zap.Error(err))
			}
			<-ctx.Done()

			if job, ok := scheduler.Get(watchJob); ok {
				fmt.Fprintf(out, "watch stopped after %d passes, last at %s\n", job.RunCount, job.LastRun.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression, e.g. \"@every 1m\" or \"*/5 * * * *\"")
	cmd.Flags().StringSliceVar(&tasks, "task", nil, "tasks to run each pass: scan, collate, save")
	cmd.Flags().BoolVar(&untilComplete, "until-complete", false, "stop once every run is complete")
	return cmd
}
