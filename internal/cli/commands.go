package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/uq-campaign-go/campaign"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func newInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the campaign, register its app and set its sampler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.create(ctx)
			if err != nil {
				return err
			}
			if err := initCampaign(cmd, s); err != nil {
				_ = s.close(ctx, false)
				return err
			}
			if err := s.close(ctx, true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized campaign %s in %s\n", s.file.Name, s.campaign.Dir())
			return nil
		},
	}
}

func initCampaign(cmd *cobra.Command, s *session) error {
	ctx := cmd.Context()
	f := s.file
	schema, err := f.Schema()
	if err != nil {
		return err
	}
	enc, err := f.Encoder()
	if err != nil {
		return fmt.Errorf("failed to build encoder: %w", err)
	}
	dec, err := f.Decoder()
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if _, err := s.campaign.AddApp(ctx, campaign.AppSpec{Name: f.App.Name, Schema: schema, Encoder: enc, Decoder: dec}); err != nil {
		return err
	}
	if f.Sampler.Kind == "" {
		return nil
	}
	sampler, err := f.BuildSampler()
	if err != nil {
		return fmt.Errorf("failed to build sampler: %w", err)
	}
	return s.campaign.SetSampler(ctx, sampler)
}

func newDrawCommand(opts *rootOptions) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "draw",
		Short: "Draw samples from the sampler into a new ensemble of runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("n") {
				n = s.file.Sampler.Draw
			}
			runs, err := s.campaign.DrawSamples(ctx, n)
			if err != nil {
				_ = s.close(ctx, false)
				return err
			}
			if err := s.close(ctx, true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "drew %s into %s (runs %d-%d)\n",
				plural(len(runs), "sample"), runs[0].EnsembleID, runs[0].ID, runs[len(runs)-1].ID)
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 0, "number of samples; 0 drains a finite sampler")
	return cmd
}

func newPopulateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "populate",
		Short: "Create and encode run directories for every NEW run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			summary, err := s.campaign.PopulateRunsDir(ctx)
			if closeErr := s.close(ctx, true); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), "populate", summary)
			return nil
		},
	}
}

func newScanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Poll ACTIVE runs and decode the ones whose output is complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			report, err := s.campaign.ScanCompleted(ctx)
			if closeErr := s.close(ctx, true); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scan: %d completed, %d pending, %d failed\n",
				len(report.Completed), len(report.Pending), len(report.Failed))
			return nil
		},
	}
}

func newCollateCommand(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "collate",
		Short: "Merge completed runs into the campaign dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			n, err := s.campaign.Collate(ctx)
			if err == nil && out != "" {
				err = writeDataset(ctx, s.campaign, out)
			}
			if closeErr := s.close(ctx, true); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "collated %s\n", plural(n, "run"))
			if out != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "dataset written to %s\n", out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the full dataset as CSV to this file (- for stdout)")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show run counts per status and collation progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.close(ctx, false)

			counts, err := s.campaign.StatusCounts(ctx, campaign.Filter{})
			if err != nil {
				return err
			}
			complete, err := s.campaign.AllComplete(ctx)
			if err != nil {
				return err
			}
			metrics, err := s.campaign.Metrics(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), s.campaign, counts, complete, metrics)
			return nil
		},
	}
}

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var (
		statuses []string
		ensemble string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs of the active app",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := campaign.Filter{EnsembleID: ensemble, Limit: limit}
			for _, raw := range statuses {
				st, err := types.ParseStatus(raw)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.close(ctx, false)
			runs, err := s.campaign.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only runs in these statuses")
	cmd.Flags().StringVar(&ensemble, "ensemble", "", "only runs of this ensemble")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs")
	return cmd
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [run-id...]",
		Short: "Reset FAILED or stuck ACTIVE runs so the pipeline picks them up again",
		Long: `retry resets runs so the next populate or run command processes them again.
With no ids every FAILED run of the active app is retried.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(strings.TrimPrefix(arg, "run_"), 10, 64)
				if err != nil {
					return fmt.Errorf("invalid run id %q", arg)
				}
				ids = append(ids, id)
			}
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				failed, err := s.campaign.ListRuns(ctx, campaign.Filter{Statuses: []types.Status{types.StatusFailed}})
				if err != nil {
					_ = s.close(ctx, false)
					return err
				}
				for _, run := range failed {
					ids = append(ids, run.ID)
				}
			}
			n, err := s.campaign.Retry(ctx, ids...)
			if closeErr := s.close(ctx, true); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %s\n", plural(n, "run"))
			return nil
		},
	}
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every run and collated result; apps and run files stay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge deletes all runs; pass --yes to confirm")
			}
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			err = s.campaign.Purge(ctx)
			if closeErr := s.close(ctx, true); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "campaign purged")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}

func newLogCommand(opts *rootOptions) *cobra.Command {
	var runID int64
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the campaign event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.close(ctx, false)
			events, err := s.campaign.Log(ctx)
			if err != nil {
				return err
			}
			printEvents(cmd.OutOrStdout(), events, runID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&runID, "run", 0, "only events of this run")
	return cmd
}

func openOutput(path string) (*os.File, func() error, error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, f.Close, nil
}
