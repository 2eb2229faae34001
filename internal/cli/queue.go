package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/uq-campaign-go/runtime/distributed"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	var (
		runID     int64
		batch     string
		limit     int
		withRedis bool
		requeue   []string
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the distributed pool: workers, attempts and queue events",
		Long: `queue reports what the attempt store knows about distributed runs. With
--redis or --requeue-dead it also connects to the queue.

--requeue-dead only replays a job on a worker; the run stays FAILED in the
registry. Use retry to send FAILED runs through the campaign again.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.close(ctx, false)
			attempts, err := distributed.NewSQLiteAttemptStore(attemptsPath(s))
			if err != nil {
				return err
			}
			defer attempts.Close()

			w := cmd.OutOrStdout()
			workers, err := attempts.ListWorkerHeartbeats(ctx, limit)
			if err != nil {
				return err
			}
			printWorkers(w, workers)

			if batch != "" {
				stats, err := attempts.BatchStats(ctx, batch)
				if err != nil {
					return err
				}
				printBatchStats(w, stats)
			}
			if runID > 0 {
				tries, err := attempts.ListAttempts(ctx, runID, limit)
				if err != nil {
					return err
				}
				printAttempts(w, runID, tries)
			}
			events, err := attempts.ListQueueEvents(ctx, runID, limit)
			if err != nil {
				return err
			}
			printQueueEvents(w, events)

			if !withRedis && len(requeue) == 0 {
				return nil
			}
			q, err := openQueue()
			if err != nil {
				return fmt.Errorf("queue unavailable: %w", err)
			}
			defer q.Close()
			for _, id := range requeue {
				newID, err := q.RequeueDead(ctx, id, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "requeued dead letter %s as %s\n", id, newID)
			}
			stats, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\nstream %s jobs, %s pending, %s dead-lettered\n",
				humanize.Comma(stats.StreamLength), humanize.Comma(stats.Pending), humanize.Comma(stats.DLQLength))
			dlq, err := q.ListDLQ(ctx, limit)
			if err != nil {
				return err
			}
			for _, d := range dlq {
				fmt.Fprintf(w, "  dead %s run_%d attempt %d\n", d.ID, d.Task.RunID, d.Task.Attempt)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&runID, "run", 0, "show attempts and events of this run")
	cmd.Flags().StringVar(&batch, "batch", "", "summarize this dispatch batch")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows per section")
	cmd.Flags().BoolVar(&withRedis, "redis", false, "also report stream and dead-letter lengths")
	cmd.Flags().StringSliceVar(&requeue, "requeue-dead", nil, "put these dead-lettered jobs back on the queue")
	return cmd
}

func printWorkers(w io.Writer, workers []distributed.WorkerHeartbeat) {
	if len(workers) == 0 {
		fmt.Fprintln(w, "No workers.")
		return
	}
	fmt.Fprintf(w, "%-24s %-8s %8s  %s\n", "WORKER", "STATUS", "CAPACITY", "LAST SEEN")
	for _, h := range workers {
		fmt.Fprintf(w, "%-24s %-8s %8d  %s\n", h.WorkerID, h.Status, h.Capacity, humanize.Time(h.LastSeenAt))
	}
}

func printBatchStats(w io.Writer, stats distributed.BatchStats) {
	statuses := make([]string, 0, len(stats.ByStatus))
	for st := range stats.ByStatus {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)
	fmt.Fprintf(w, "\nbatch %s: %s, up to %d attempts\n", stats.Batch, plural(stats.Runs, "run"), stats.MaxAttempt)
	for _, st := range statuses {
		fmt.Fprintf(w, "  %-12s %d\n", st, stats.ByStatus[st])
	}
}

func printAttempts(w io.Writer, runID int64, tries []distributed.AttemptRecord) {
	fmt.Fprintf(w, "\nrun_%d: %s\n", runID, plural(len(tries), "attempt"))
	for _, a := range tries {
		took := "running"
		if a.EndedAt != nil {
			took = a.EndedAt.Sub(a.StartedAt).String()
		}
		fmt.Fprintf(w, "  #%d %-12s %-20s %s", a.Attempt, a.Status, a.WorkerID, took)
		if a.Error != "" {
			fmt.Fprintf(w, "  %s", a.Error)
		}
		fmt.Fprintln(w)
	}
}

func printQueueEvents(w io.Writer, events []distributed.QueueEvent) {
	if len(events) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, e := range events {
		fmt.Fprintf(w, "%s  %-20s run_%d  %s\n", e.At.Format("2006-01-02 15:04:05"), e.Event, e.RunID, e.Batch)
	}
}
