package campaign

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/uq-campaign-go/actions"
	"github.com/PipeOpsHQ/uq-campaign-go/decoders"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

// Run errors are stored as "<stage>: <message>" so a retry knows where the
// run has to restart.
func failureMessage(stage actions.Stage, err error) string {
	return stage.String() + ": " + err.Error()
}

func failedStage(msg string) string {
	stage, _, _ := strings.Cut(msg, ": ")
	return stage
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

// PopulateRunsDir creates the directory and input files of every NEW run.
func (c *Campaign) PopulateRunsDir(ctx context.Context) (Summary, error) {
	pipeline, err := actions.New([]actions.Action{
		&actions.CreateRunDirectory{Root: c.runsDir, Flatten: c.flatten},
		&actions.Encode{},
	}, actions.WithLogger(c.logger))
	if err != nil {
		return Summary{}, err
	}
	return c.apply(ctx, pipeline, []types.Status{types.StatusNew})
}

// ApplyForEachRunDir applies one action to every run waiting for its stage:
// NEW runs for directory and encode actions, ENCODED runs for execution and
// undecoded ENCODED or ACTIVE runs for decoding.
func (c *Campaign) ApplyForEachRunDir(ctx context.Context, action actions.Action) (Summary, error) {
	if action == nil {
		return Summary{}, fmt.Errorf("action is required")
	}
	pipeline, err := actions.New([]actions.Action{action}, actions.WithLogger(c.logger))
	if err != nil {
		return Summary{}, err
	}
	var statuses []types.Status
	switch action.Stage() {
	case actions.StageCreateDir, actions.StageEncode:
		statuses = []types.Status{types.StatusNew}
	case actions.StageExecute:
		statuses = []types.Status{types.StatusEncoded}
	default:
		statuses = []types.Status{types.StatusEncoded, types.StatusActive}
	}
	return c.apply(ctx, pipeline, statuses)
}

// Execute drives every unfinished run of the active app as far through the
// full pipeline as it will go. With a nil execute action the program is
// assumed to be run outside the campaign and only the output is decoded.
func (c *Campaign) Execute(ctx context.Context, execute *actions.Execute) (Summary, error) {
	pipeline := actions.Default(c.runsDir, c.flatten, execute)
	return c.apply(ctx, pipeline, []types.Status{types.StatusNew, types.StatusEncoded, types.StatusActive})
}

// Wait blocks until every job handed to pool has finished and fails the runs
// whose program exited unsuccessfully.
func (c *Campaign) Wait(ctx context.Context, pool actions.Pool) (Summary, error) {
	results, err := pool.WaitAll(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to wait for pool: %w", err)
	}
	var sum Summary
	for _, r := range results {
		sum.Processed++
		if r.Outcome.State != actions.OutcomeFailed {
			sum.Succeeded++
			continue
		}
		sum.Failed++
		msg := failureMessage(actions.StageExecute, r.Outcome.Err())
		run, err := c.store.Transition(ctx, r.Job.RunID, types.StatusActive, types.StatusFailed, state.RunUpdate{Error: strPtr(msg)})
		if errors.Is(err, state.ErrConflict) || errors.Is(err, state.ErrIllegalTransition) {
			c.logger.Warn("run moved on before its job result arrived", zap.Int64("run_id", r.Job.RunID), zap.Error(err))
			continue
		}
		if err != nil {
			return sum, err
		}
		c.emit(ctx, types.Event{Type: types.EventRunFailed, RunID: run.ID, EnsembleID: run.EnsembleID, Error: msg})
	}
	return sum, nil
}

func (c *Campaign) apply(ctx context.Context, pipeline *actions.Actions, statuses []types.Status) (Summary, error) {
	c.mu.Lock()
	app, err := c.activeApp()
	c.mu.Unlock()
	if err != nil {
		return Summary{}, err
	}

	runs, err := c.store.ListRuns(ctx, state.ListRunsQuery{Statuses: statuses, AppID: app.record.ID})
	if err != nil {
		return Summary{}, err
	}
	return c.applyRuns(ctx, app, pipeline, runs)
}

func (c *Campaign) applyRuns(ctx context.Context, app *appHandle, pipeline *actions.Actions, runs []state.RunRecord) (Summary, error) {
	hooks := c.hooks(app)

	var (
		mu  sync.Mutex
		sum Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, run := range runs {
		from, ok := actions.StageFor(run.Status)
		if !ok || run.Result != nil {
			continue
		}
		g.Go(func() error {
			rc := &actions.RunContext{
				Run:     run,
				RunRoot: c.runsDir,
				Encoder: app.encoder,
				Decoder: app.decoder,
			}
			report := pipeline.ApplyFrom(gctx, rc, from, hooks)
			one := Summary{Processed: 1}
			switch {
			case report.Failed:
				one.Failed = 1
			case report.Err != nil:
				return report.Err
			case report.Pending:
				one.Pending = 1
			default:
				one.Succeeded = 1
			}
			mu.Lock()
			sum.add(one)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	c.logger.Info("batch finished",
		zap.String("campaign", c.name),
		zap.Int("processed", sum.Processed),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("pending", sum.Pending),
	)
	return sum, err
}

// hooks persist each stage's outcome in the registry. Registry errors abort
// the batch; action errors only fail their run.
func (c *Campaign) hooks(app *appHandle) actions.Hooks {
	return actions.Hooks{
		Before: func(ctx context.Context, rc *actions.RunContext, act actions.Action) error {
			if act.Stage() != actions.StageExecute || rc.Run.Status != types.StatusEncoded {
				return nil
			}
			run, err := c.store.Transition(ctx, rc.Run.ID, types.StatusEncoded, types.StatusActive, state.RunUpdate{Polls: intPtr(0)})
			if err != nil {
				return err
			}
			rc.Run = run
			c.emit(ctx, types.Event{Type: types.EventRunDispatched, App: app.record.Name, RunID: run.ID, EnsembleID: run.EnsembleID})
			return nil
		},
		After: func(ctx context.Context, rc *actions.RunContext, act actions.Action, actErr error) error {
			switch {
			case actErr == nil:
				return c.stageSucceeded(ctx, app, rc, act)
			case errors.Is(actErr, actions.ErrPending):
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return c.stageFailed(ctx, app, rc, act, actErr)
			}
		},
	}
}

func (c *Campaign) stageSucceeded(ctx context.Context, app *appHandle, rc *actions.RunContext, act actions.Action) error {
	var (
		run state.RunRecord
		err error
	)
	switch act.Stage() {
	case actions.StageCreateDir:
		run, err = c.store.UpdateRun(ctx, rc.Run.ID, state.RunUpdate{RunDir: strPtr(rc.Run.RunDir)})
	case actions.StageEncode:
		if rc.Run.Status != types.StatusNew {
			return nil
		}
		run, err = c.store.Transition(ctx, rc.Run.ID, types.StatusNew, types.StatusEncoded, state.RunUpdate{Error: strPtr("")})
		if err == nil {
			c.emit(ctx, types.Event{Type: types.EventRunEncoded, App: app.record.Name, RunID: run.ID, EnsembleID: run.EnsembleID})
		}
	case actions.StageDecode:
		run, err = c.store.UpdateRun(ctx, rc.Run.ID, state.RunUpdate{Result: rc.Result, Error: strPtr("")})
		if err == nil {
			c.emit(ctx, types.Event{Type: types.EventRunDecoded, App: app.record.Name, RunID: run.ID, EnsembleID: run.EnsembleID})
		}
	default:
		return nil
	}
	if err != nil {
		return err
	}
	rc.Run = run
	return nil
}

func (c *Campaign) stageFailed(ctx context.Context, app *appHandle, rc *actions.RunContext, act actions.Action, actErr error) error {
	msg := failureMessage(act.Stage(), actErr)
	var (
		run state.RunRecord
		err error
	)
	if rc.Run.Status == types.StatusEncoded {
		// Output of a run executed elsewhere; it stays ENCODED until fixed.
		run, err = c.store.UpdateRun(ctx, rc.Run.ID, state.RunUpdate{Error: strPtr(msg)})
	} else {
		run, err = c.store.Transition(ctx, rc.Run.ID, rc.Run.Status, types.StatusFailed, state.RunUpdate{Error: strPtr(msg)})
	}
	if err != nil {
		return err
	}
	rc.Run = run
	c.emit(ctx, types.Event{Type: types.EventRunFailed, App: app.record.Name, RunID: run.ID, EnsembleID: run.EnsembleID, Error: msg})
	return nil
}

// ScanReport lists what one ScanCompleted pass found.
type ScanReport struct {
	Completed []int64 `json:"completed"`
	Pending   []int64 `json:"pending"`
	Failed    []int64 `json:"failed"`
}

// ScanCompleted polls every ACTIVE run of the active app. Completed output
// is decoded and stored on the run; incomplete runs use up one poll of their
// budget.
func (c *Campaign) ScanCompleted(ctx context.Context) (ScanReport, error) {
	c.mu.Lock()
	app, err := c.activeApp()
	c.mu.Unlock()
	if err != nil {
		return ScanReport{}, err
	}
	runs, err := c.store.ListRuns(ctx, state.ListRunsQuery{Statuses: []types.Status{types.StatusActive}, AppID: app.record.ID})
	if err != nil {
		return ScanReport{}, err
	}

	var report ScanReport
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if run.Result != nil {
			report.Completed = append(report.Completed, run.ID)
			continue
		}
		if run.RunDir == "" || app.decoder.SimComplete(run.RunDir) {
			rc := &actions.RunContext{Run: run, Decoder: app.decoder}
			decode := &actions.Decode{}
			actErr := decode.Act(ctx, rc)
			if actErr == nil {
				if err := c.stageSucceeded(ctx, app, rc, decode); err != nil {
					return report, err
				}
				report.Completed = append(report.Completed, run.ID)
				continue
			}
			if err := c.stageFailed(ctx, app, rc, decode, actErr); err != nil {
				return report, err
			}
			report.Failed = append(report.Failed, run.ID)
			continue
		}

		polls := run.Polls + 1
		if c.poll.MaxPolls > 0 && polls >= c.poll.MaxPolls {
			msg := fmt.Sprintf("poll: poll budget exhausted after %d polls", polls)
			failed, err := c.store.Transition(ctx, run.ID, types.StatusActive, types.StatusFailed, state.RunUpdate{Polls: intPtr(polls), Error: strPtr(msg)})
			if err != nil {
				return report, err
			}
			c.emit(ctx, types.Event{Type: types.EventRunFailed, App: app.record.Name, RunID: failed.ID, EnsembleID: failed.EnsembleID, Error: msg})
			report.Failed = append(report.Failed, run.ID)
			continue
		}
		if _, err := c.store.UpdateRun(ctx, run.ID, state.RunUpdate{Polls: intPtr(polls)}); err != nil {
			return report, err
		}
		report.Pending = append(report.Pending, run.ID)
	}
	return report, nil
}

// AllComplete reports whether every run of the active app that has not
// failed is collated or has complete output. It changes nothing.
func (c *Campaign) AllComplete(ctx context.Context) (bool, error) {
	c.mu.Lock()
	app, err := c.activeApp()
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	counts, err := c.store.CountRuns(ctx, state.ListRunsQuery{AppID: app.record.ID})
	if err != nil {
		return false, err
	}
	if counts[types.StatusNew] > 0 {
		return false, nil
	}
	runs, err := c.store.ListRuns(ctx, state.ListRunsQuery{
		Statuses: []types.Status{types.StatusEncoded, types.StatusActive},
		AppID:    app.record.ID,
	})
	if err != nil {
		return false, err
	}
	for _, run := range runs {
		if run.Result == nil && (run.RunDir == "" || !app.decoder.SimComplete(run.RunDir)) {
			return false, nil
		}
	}
	return true, nil
}

// Retry puts runs back in line: FAILED runs that never got their inputs go
// back to NEW, other FAILED runs and stuck ACTIVE runs go back to ENCODED
// with the output of their previous attempt removed. Runs in any other status
// are rejected with a *state.TransitionError. It returns how many runs were
// reset.
func (c *Campaign) Retry(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	runs, err := c.store.ListRuns(ctx, state.ListRunsQuery{IDs: ids})
	if err != nil {
		return 0, err
	}
	found := make(map[int64]state.RunRecord, len(runs))
	for _, run := range runs {
		found[run.ID] = run
	}

	reset := 0
	for _, id := range ids {
		run, ok := found[id]
		if !ok {
			return reset, fmt.Errorf("run %d: %w", id, state.ErrNotFound)
		}
		to, err := retryTarget(run)
		if err != nil {
			return reset, err
		}
		if to == types.StatusEncoded {
			if err := c.discardOutput(ctx, run); err != nil {
				return reset, err
			}
		}
		update := state.RunUpdate{Error: strPtr(""), Polls: intPtr(0), ClearResult: true}
		retried, err := c.store.Transition(ctx, id, run.Status, to, update)
		if err != nil {
			return reset, err
		}
		reset++
		c.emit(ctx, types.Event{Type: types.EventRunRetried, RunID: retried.ID, EnsembleID: retried.EnsembleID, Message: string(run.Status) + " -> " + string(to)})
	}
	return reset, nil
}

func retryTarget(run state.RunRecord) (types.Status, error) {
	switch run.Status {
	case types.StatusActive:
		return types.StatusEncoded, nil
	case types.StatusFailed:
		if run.RunDir == "" {
			return types.StatusNew, nil
		}
		switch failedStage(run.Error) {
		case actions.StageCreateDir.String(), actions.StageEncode.String():
			return types.StatusNew, nil
		}
		return types.StatusEncoded, nil
	default:
		return "", &state.TransitionError{RunID: run.ID, From: run.Status, To: types.StatusEncoded}
	}
}

// discardOutput removes what a previous attempt left in the decoder's output
// file so the run is only collated after it executes again.
func (c *Campaign) discardOutput(ctx context.Context, run state.RunRecord) error {
	if run.RunDir == "" {
		return nil
	}
	dec, err := c.decoderFor(ctx, run.AppID)
	if err != nil {
		return err
	}
	path := filepath.Join(run.RunDir, dec.OutputFile())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to discard output of run %d: %w", run.ID, err)
	}
	return nil
}

func (c *Campaign) decoderFor(ctx context.Context, appID int64) (decoders.Decoder, error) {
	c.mu.Lock()
	app := c.app
	c.mu.Unlock()
	if app != nil && app.record.ID == appID {
		return app.decoder, nil
	}
	record, err := c.store.LoadApp(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to load app %d: %w", appID, err)
	}
	handle, err := c.restoreApp(record)
	if err != nil {
		return nil, err
	}
	return handle.decoder, nil
}

// Filter selects runs of the active app unless AllApps is set.
type Filter struct {
	Statuses   []types.Status
	EnsembleID string
	AllApps    bool
	AfterID    int64
	Limit      int
}

func (c *Campaign) ListRuns(ctx context.Context, f Filter) ([]state.RunRecord, error) {
	q, err := c.query(f)
	if err != nil {
		return nil, err
	}
	return c.store.ListRuns(ctx, q)
}

// StatusCounts returns how many runs sit in each status.
func (c *Campaign) StatusCounts(ctx context.Context, f Filter) (map[types.Status]int, error) {
	q, err := c.query(f)
	if err != nil {
		return nil, err
	}
	return c.store.CountRuns(ctx, q)
}

func (c *Campaign) query(f Filter) (state.ListRunsQuery, error) {
	q := state.ListRunsQuery{Statuses: f.Statuses, EnsembleID: f.EnsembleID, AfterID: f.AfterID, Limit: f.Limit}
	if f.AllApps {
		return q, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	app, err := c.activeApp()
	if err != nil {
		return state.ListRunsQuery{}, err
	}
	q.AppID = app.record.ID
	return q, nil
}
