package cron

import (
	"context"
	"time"
)

// Task names a unit of campaign upkeep a job performs.
type Task string

const (
	TaskScan    Task = "scan"
	TaskCollate Task = "collate"
	TaskSave    Task = "save"
)

// Valid reports whether t is a task the campaign knows how to run.
func (t Task) Valid() bool {
	switch t {
	case TaskScan, TaskCollate, TaskSave:
		return true
	}
	return false
}

// Trigger values recorded in JobRun.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// JobConfig lists the tasks a scheduled job runs, in order.
type JobConfig struct {
	Tasks []Task `json:"tasks"`
	// StatePath is where TaskSave writes; empty means the default location.
	StatePath string `json:"statePath,omitempty"`
}

// Job represents a scheduled recurring campaign job.
type Job struct {
	Name     string    `json:"name"`
	CronExpr string    `json:"cronExpr"`
	Config   JobConfig `json:"config"`
	Enabled  bool      `json:"enabled"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	NextRun  time.Time `json:"nextRun,omitempty"`
	LastErr  string    `json:"lastError,omitempty"`
	RunCount int       `json:"runCount"`
}

// JobRun records one execution of a job.
type JobRun struct {
	At         time.Time `json:"at"`
	DurationMS int64     `json:"durationMs"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RunFunc is called by the scheduler to execute a job.
type RunFunc func(ctx context.Context, cfg JobConfig) (string, error)
