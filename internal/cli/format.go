package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/PipeOpsHQ/uq-campaign-go/campaign"
	"github.com/PipeOpsHQ/uq-campaign-go/observe"
	observestore "github.com/PipeOpsHQ/uq-campaign-go/observe/store"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}

func printSummary(w io.Writer, op string, s campaign.Summary) {
	fmt.Fprintf(w, "%s: %s processed, %d succeeded, %d failed, %d pending\n",
		op, plural(s.Processed, "run"), s.Succeeded, s.Failed, s.Pending)
}

func printStatus(w io.Writer, c *campaign.Campaign, counts map[types.Status]int, complete bool, m observestore.MetricsSummary) {
	fmt.Fprintf(w, "campaign  %s\n", c.Name())
	fmt.Fprintf(w, "directory %s\n", c.Dir())
	if app, err := c.App(); err == nil {
		fmt.Fprintf(w, "app       %s (registered %s)\n", app.Name, humanize.Time(app.CreatedAt))
	}
	if s := c.Sampler(); s != nil {
		remaining := "unbounded"
		if s.IsFinite() {
			remaining = humanize.Comma(int64(s.Count())) + " total"
		}
		fmt.Fprintf(w, "sampler   %s (%s)\n", s.Name(), remaining)
	}
	fmt.Fprintln(w)

	total := 0
	fmt.Fprintf(w, "%-10s %10s\n", "STATUS", "RUNS")
	for _, st := range types.Statuses() {
		fmt.Fprintf(w, "%-10s %10s\n", st, humanize.Comma(int64(counts[st])))
		total += counts[st]
	}
	fmt.Fprintf(w, "%-10s %10s\n", "TOTAL", humanize.Comma(int64(total)))
	fmt.Fprintln(w)

	cursor := c.Cursor()
	fmt.Fprintf(w, "collated %s, last run id %d\n", plural(cursor.CollatedCount, "run"), cursor.LastCollatedRunID)
	fmt.Fprintf(w, "drawn %s, dispatched %s, decoded %s, failed %s\n",
		humanize.Comma(m.SamplesDrawn), humanize.Comma(m.RunsDispatched), humanize.Comma(m.RunsDecoded), humanize.Comma(m.RunsFailed))
	if complete {
		fmt.Fprintln(w, "all runs complete")
	}
}

func printRuns(w io.Writer, runs []state.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}
	fmt.Fprintf(w, "%-10s %-14s %-9s %-14s %s\n", "RUN", "ENSEMBLE", "STATUS", "UPDATED", "PARAMS")
	for _, run := range runs {
		params, _ := json.Marshal(run.Params)
		fmt.Fprintf(w, "%-10s %-14s %-9s %-14s %s\n", run.Name, run.EnsembleID, run.Status, humanize.Time(run.UpdatedAt), params)
		if run.Error != "" {
			fmt.Fprintf(w, "%-10s error: %s\n", "", run.Error)
		}
	}
}

func printEvents(w io.Writer, events []observe.Event, runID int64) {
	for _, e := range events {
		if runID > 0 && e.RunID != runID {
			continue
		}
		line := []string{e.Timestamp.Format("2006-01-02 15:04:05"), e.Name}
		if e.RunID > 0 {
			line = append(line, fmt.Sprintf("run_%d", e.RunID))
		}
		if e.Count > 0 {
			line = append(line, fmt.Sprintf("count=%d", e.Count))
		}
		if e.Message != "" {
			line = append(line, e.Message)
		}
		if e.Error != "" {
			line = append(line, "error="+e.Error)
		}
		fmt.Fprintln(w, strings.Join(line, "  "))
	}
}

func writeDataset(ctx context.Context, c *campaign.Campaign, path string) error {
	dataset, err := c.CollationResult(ctx)
	if err != nil {
		return err
	}
	out, closeOut, err := openOutput(path)
	if err != nil {
		return err
	}
	if err := dataset.WriteCSV(out); err != nil {
		_ = closeOut()
		return err
	}
	return closeOut()
}
