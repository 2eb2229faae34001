package cron

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultMaxHistory = 100
	maxOutputLen      = 2000
)

// Scheduler runs campaign upkeep jobs on cron schedules. A job never runs
// concurrently with itself: a tick that arrives while the previous run is
// still going is skipped.
type Scheduler struct {
	mu         sync.RWMutex
	cron       *robcron.Cron
	jobs       map[string]*managedJob
	runFunc    RunFunc
	logger     *zap.Logger
	ctx        context.Context
	started    bool
	maxHistory int
}

type managedJob struct {
	Job
	entryID robcron.EntryID
	runs    []JobRun
	running bool
}

// scheduledRun is the robcron.Job registered for each managed job.
type scheduledRun struct {
	s    *Scheduler
	name string
}

func (r scheduledRun) Run() {
	_, _ = r.s.runAndRecord(r.name, TriggerSchedule)
}

type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSeconds accepts six-field expressions with a leading seconds field.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.cron = robcron.New(robcron.WithSeconds())
	}
}

// WithMaxHistory bounds the runs kept per job.
func WithMaxHistory(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

func New(runFunc RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:       robcron.New(),
		jobs:       make(map[string]*managedJob),
		runFunc:    runFunc,
		logger:     zap.NewNop(),
		ctx:        context.Background(),
		maxHistory: defaultMaxHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers an enabled job running cfg's tasks on cronExpr.
func (s *Scheduler) Add(name, cronExpr string, cfg JobConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(cfg.Tasks) == 0 {
		return fmt.Errorf("job %q has no tasks", name)
	}
	if i := slices.IndexFunc(cfg.Tasks, func(t Task) bool { return !t.Valid() }); i >= 0 {
		return fmt.Errorf("job %q: unknown task %q", name, cfg.Tasks[i])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}
	entryID, err := s.cron.AddJob(cronExpr, scheduledRun{s: s, name: name})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	cfg.Tasks = slices.Clone(cfg.Tasks)
	s.jobs[name] = &managedJob{
		Job:     Job{Name: name, CronExpr: cronExpr, Config: cfg, Enabled: true},
		entryID: entryID,
	}
	s.refreshNext(s.jobs[name])
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.cron.Remove(mj.entryID)
	delete(s.jobs, name)
	return nil
}

// List returns all registered jobs sorted by name.
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, mj := range s.jobs {
		out = append(out, s.snapshot(mj))
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Scheduler) Get(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mj, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return s.snapshot(mj), true
}

// SetEnabled pauses or resumes a job's schedule. Manual triggers still run.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, err := s.lookup(name)
	if err != nil {
		return err
	}
	mj.Enabled = enabled
	return nil
}

// Trigger runs a job now and returns its output.
func (s *Scheduler) Trigger(name string) (string, error) {
	return s.runAndRecord(name, TriggerManual)
}

// History returns up to limit recent runs of a job, newest first.
func (s *Scheduler) History(name string, limit int) ([]JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mj, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(mj.runs)
	slices.Reverse(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Start begins firing schedules. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx != nil {
		s.ctx = ctx
	}
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopped := s.cron.Stop()
	s.mu.Unlock()
	<-stopped.Done()
}

func (s *Scheduler) lookup(name string) (*managedJob, error) {
	mj, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	return mj, nil
}

func (s *Scheduler) snapshot(mj *managedJob) Job {
	j := mj.Job
	j.Config.Tasks = slices.Clone(mj.Config.Tasks)
	if next := s.cron.Entry(mj.entryID).Next; !next.IsZero() {
		j.NextRun = next
	}
	return j
}

func (s *Scheduler) refreshNext(mj *managedJob) {
	if next := s.cron.Entry(mj.entryID).Next; !next.IsZero() {
		mj.NextRun = next
	}
}

// begin claims a job for one run. It returns false when the job is unknown,
// paused for scheduled triggers, or already running.
func (s *Scheduler) begin(name, trigger string) (JobConfig, context.Context, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, err := s.lookup(name)
	if err != nil {
		return JobConfig{}, nil, false, err
	}
	if trigger == TriggerSchedule && !mj.Enabled {
		return JobConfig{}, nil, false, nil
	}
	if mj.running {
		s.logger.Debug("cron job still running, skipping", zap.String("job", name), zap.String("trigger", trigger))
		return JobConfig{}, nil, false, nil
	}
	mj.running = true
	return mj.Config, s.ctx, true, nil
}

func (s *Scheduler) runAndRecord(name, trigger string) (string, error) {
	cfg, ctx, ok, err := s.begin(name, trigger)
	if !ok {
		return "", err
	}
	started := time.Now()
	output, err := s.runFunc(ctx, cfg)
	s.record(name, JobRun{
		At:         time.Now(),
		DurationMS: time.Since(started).Milliseconds(),
		Trigger:    trigger,
	}, output, err)
	return output, err
}

func (s *Scheduler) record(name string, run JobRun, output string, err error) {
	fields := []zap.Field{zap.String("job", name), zap.String("trigger", run.Trigger), zap.Int64("duration_ms", run.DurationMS)}
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		s.logger.Warn("cron job failed", append(fields, zap.Error(err))...)
	} else {
		run.Status = "completed"
		run.Output = truncate(output, maxOutputLen)
		s.logger.Info("cron job completed", append(fields, zap.String("output", truncate(output, 100)))...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[name]
	if !ok {
		return
	}
	mj.running = false
	mj.LastRun = run.At
	mj.LastErr = run.Error
	mj.RunCount++
	mj.runs = append(mj.runs, run)
	if len(mj.runs) > s.maxHistory {
		mj.runs = slices.Clone(mj.runs[len(mj.runs)-s.maxHistory:])
	}
	s.refreshNext(mj)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
