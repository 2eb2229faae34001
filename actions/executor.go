package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrExecution marks a run whose program finished unsuccessfully.
var ErrExecution = errors.New("execution failed")

// Job is one shell-invocable unit of work bound to a run directory.
type Job struct {
	RunID   int64             `json:"runId"`
	RunName string            `json:"runName"`
	Dir     string            `json:"dir"`
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

type OutcomeState string

const (
	OutcomeSucceeded OutcomeState = "succeeded"
	OutcomeFailed    OutcomeState = "failed"
	OutcomePending   OutcomeState = "pending"
)

type Outcome struct {
	State    OutcomeState  `json:"state"`
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// Err describes a failed outcome. It is nil for any other state.
func (o Outcome) Err() error {
	if o.State != OutcomeFailed {
		return nil
	}
	if o.Message != "" {
		return fmt.Errorf("%w: exit code %d: %s", ErrExecution, o.ExitCode, o.Message)
	}
	return fmt.Errorf("%w: exit code %d", ErrExecution, o.ExitCode)
}

type JobResult struct {
	Job     Job     `json:"job"`
	Outcome Outcome `json:"outcome"`
}

// Executor runs or submits a job. Dispatch only returns an error when the job
// could not be handed over at all; a program exiting non-zero is a failed
// Outcome.
type Executor interface {
	Dispatch(ctx context.Context, job Job) (Outcome, error)
}

// Pool is an asynchronous executor. Dispatch returns a pending outcome and
// WaitAll blocks until every submitted job has finished.
type Pool interface {
	Executor
	WaitAll(ctx context.Context) ([]JobResult, error)
}

const maxCapturedOutput = 64 * 1024

// LocalExecutor runs jobs synchronously through /bin/sh in the run directory.
type LocalExecutor struct {
	Shell   string
	Timeout time.Duration
	logger  *zap.Logger
}

type LocalOption func(*LocalExecutor)

func WithExecutorLogger(logger *zap.Logger) LocalOption {
	return func(e *LocalExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithTimeout(timeout time.Duration) LocalOption {
	return func(e *LocalExecutor) {
		if timeout > 0 {
			e.Timeout = timeout
		}
	}
}

func NewLocalExecutor(opts ...LocalOption) *LocalExecutor {
	e := &LocalExecutor{Shell: "/bin/sh", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *LocalExecutor) Dispatch(ctx context.Context, job Job) (Outcome, error) {
	if job.Command == "" {
		return Outcome{}, fmt.Errorf("job for run %d has no command", job.RunID)
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(runCtx, shell, "-c", job.Command)
	cmd.Dir = job.Dir
	if len(job.Env) > 0 {
		cmd.Env = os.Environ()
		keys := make([]string, 0, len(job.Env))
		for k := range job.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+job.Env[k])
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	outcome := Outcome{
		State:    OutcomeSucceeded,
		Stdout:   limitOutput(stdout.String()),
		Stderr:   limitOutput(stderr.String()),
		Duration: time.Since(start),
	}
	if err != nil {
		// A cancelled campaign leaves the run where it is.
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		outcome.State = OutcomeFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
		} else {
			outcome.ExitCode = -1
		}
		outcome.Message = err.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			outcome.Message = fmt.Sprintf("timed out after %s", timeout)
		}
	}
	e.logger.Debug("local job finished",
		zap.Int64("run_id", job.RunID),
		zap.String("state", string(outcome.State)),
		zap.Int("exit_code", outcome.ExitCode),
		zap.Duration("duration", outcome.Duration),
	)
	return outcome, nil
}

func limitOutput(s string) string {
	if len(s) > maxCapturedOutput {
		return s[:maxCapturedOutput] + "\n... (output truncated)"
	}
	return s
}

// LocalPool runs jobs in the background, at most limit at a time. Dispatch
// never waits for a free slot.
type LocalPool struct {
	exec    Executor
	slots   chan struct{}
	mu      sync.Mutex
	group   *errgroup.Group
	results []JobResult
}

var _ Pool = (*LocalPool)(nil)

func NewLocalPool(exec Executor, limit int) *LocalPool {
	if exec == nil {
		exec = NewLocalExecutor()
	}
	if limit <= 0 {
		limit = 4
	}
	return &LocalPool{exec: exec, slots: make(chan struct{}, limit)}
}

func (p *LocalPool) Dispatch(ctx context.Context, job Job) (Outcome, error) {
	p.mu.Lock()
	if p.group == nil {
		p.group = &errgroup.Group{}
	}
	group := p.group
	p.mu.Unlock()

	// Jobs outlive the call that submitted them.
	jobCtx := context.WithoutCancel(ctx)
	group.Go(func() error {
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		outcome, err := p.exec.Dispatch(jobCtx, job)
		if err != nil {
			outcome.State = OutcomeFailed
			outcome.ExitCode = -1
			outcome.Message = err.Error()
		}
		p.mu.Lock()
		p.results = append(p.results, JobResult{Job: job, Outcome: outcome})
		p.mu.Unlock()
		return nil
	})
	return Outcome{State: OutcomePending}, nil
}

// WaitAll returns the results of every job dispatched since the previous
// call, ordered by run id.
func (p *LocalPool) WaitAll(ctx context.Context) ([]JobResult, error) {
	p.mu.Lock()
	group := p.group
	p.group = nil
	p.mu.Unlock()
	if group != nil {
		done := make(chan struct{})
		go func() {
			_ = group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	results := p.results
	p.results = nil
	p.mu.Unlock()
	sort.Slice(results, func(i, j int) bool { return results[i].Job.RunID < results[j].Job.RunID })
	return results, nil
}
