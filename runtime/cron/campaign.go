package cron

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/uq-campaign-go/campaign"
)

// Target is the part of a campaign scheduled jobs work on.
type Target interface {
	ScanCompleted(ctx context.Context) (campaign.ScanReport, error)
	Collate(ctx context.Context) (int, error)
	SaveState(ctx context.Context, path string) error
}

var _ Target = (*campaign.Campaign)(nil)

// CampaignRunFunc runs a job's tasks against target in order and stops at
// the first failing task.
func CampaignRunFunc(target Target) RunFunc {
	return func(ctx context.Context, cfg JobConfig) (string, error) {
		var out []string
		for _, task := range cfg.Tasks {
			switch task {
			case TaskScan:
				report, err := target.ScanCompleted(ctx)
				if err != nil {
					return strings.Join(out, "; "), fmt.Errorf("scan: %w", err)
				}
				out = append(out, fmt.Sprintf("scan: %d completed, %d pending, %d failed",
					len(report.Completed), len(report.Pending), len(report.Failed)))
			case TaskCollate:
				n, err := target.Collate(ctx)
				if err != nil {
					return strings.Join(out, "; "), fmt.Errorf("collate: %w", err)
				}
				out = append(out, fmt.Sprintf("collate: %d runs", n))
			case TaskSave:
				if err := target.SaveState(ctx, cfg.StatePath); err != nil {
					return strings.Join(out, "; "), fmt.Errorf("save: %w", err)
				}
				out = append(out, "save: ok")
			default:
				return strings.Join(out, "; "), fmt.Errorf("unknown task %q", task)
			}
		}
		return strings.Join(out, "; "), nil
	}
}

// ParseTasks turns task names into Tasks. Empty input means scan then
// collate.
func ParseTasks(names []string) ([]Task, error) {
	if len(names) == 0 {
		return []Task{TaskScan, TaskCollate}, nil
	}
	tasks := make([]Task, 0, len(names))
	for _, name := range names {
		task := Task(strings.ToLower(strings.TrimSpace(name)))
		if !task.Valid() {
			return nil, fmt.Errorf("unknown task %q (use scan, collate or save)", name)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
