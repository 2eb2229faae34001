package actions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/decoders"
	"github.com/PipeOpsHQ/uq-campaign-go/encoders"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

// ErrPending stops the pipeline without failing the run: the work was handed
// off or its output is not complete yet.
var ErrPending = errors.New("run pending")

type Stage int

const (
	StageCreateDir Stage = iota
	StageEncode
	StageExecute
	StageDecode
)

func (s Stage) String() string {
	switch s {
	case StageCreateDir:
		return "create_dir"
	case StageEncode:
		return "encode"
	case StageExecute:
		return "execute"
	case StageDecode:
		return "decode"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageFor returns the first stage a run in the given status still has to go
// through. ok is false for statuses the pipeline does not touch.
func StageFor(status types.Status) (Stage, bool) {
	switch status {
	case types.StatusNew:
		return StageCreateDir, true
	case types.StatusEncoded:
		return StageExecute, true
	case types.StatusActive:
		return StageDecode, true
	default:
		return 0, false
	}
}

// RunContext is what one run carries through the pipeline.
type RunContext struct {
	Run     state.RunRecord
	RunRoot string
	Encoder encoders.Encoder
	Decoder decoders.Decoder
	Outcome Outcome
	Result  types.Record
}

type Action interface {
	Name() string
	Stage() Stage
	Act(ctx context.Context, rc *RunContext) error
}

// Hooks let the owner of the registry persist progress around each action.
// An error from a hook aborts the pipeline for that run.
type Hooks struct {
	Before func(ctx context.Context, rc *RunContext, action Action) error
	After  func(ctx context.Context, rc *RunContext, action Action, err error) error
}

type Report struct {
	RunID     int64
	Completed []string
	Stage     Stage
	Failed    bool
	Pending   bool
	Err       error
}

type Actions struct {
	list   []Action
	logger *zap.Logger
}

type Option func(*Actions)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Actions) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New builds a pipeline. Actions must be ordered by stage.
func New(list []Action, opts ...Option) (*Actions, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("pipeline needs at least one action")
	}
	for i := 1; i < len(list); i++ {
		if list[i].Stage() < list[i-1].Stage() {
			return nil, fmt.Errorf("action %q (%s) is ordered after %q (%s)",
				list[i].Name(), list[i].Stage(), list[i-1].Name(), list[i-1].Stage())
		}
	}
	a := &Actions{list: append([]Action(nil), list...), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Default is the canonical create-dir, encode, execute, decode pipeline.
func Default(root string, flatten bool, execute *Execute) *Actions {
	list := []Action{&CreateRunDirectory{Root: root, Flatten: flatten}, &Encode{}}
	if execute != nil {
		list = append(list, execute)
	}
	list = append(list, &Decode{})
	a, _ := New(list)
	return a
}

func (a *Actions) List() []Action {
	return append([]Action(nil), a.list...)
}

func (a *Actions) Has(stage Stage) bool {
	for _, act := range a.list {
		if act.Stage() == stage {
			return true
		}
	}
	return false
}

// ApplyFrom runs every action whose stage is at or after from, stopping at
// the first failure or pending action.
func (a *Actions) ApplyFrom(ctx context.Context, rc *RunContext, from Stage, hooks Hooks) Report {
	report := Report{RunID: rc.Run.ID, Stage: from}
	for _, act := range a.list {
		if act.Stage() < from {
			continue
		}
		report.Stage = act.Stage()
		if err := ctx.Err(); err != nil {
			report.Err = err
			return report
		}
		if hooks.Before != nil {
			if err := hooks.Before(ctx, rc, act); err != nil {
				report.Err = err
				return report
			}
		}
		err := act.Act(ctx, rc)
		if hooks.After != nil {
			if hookErr := hooks.After(ctx, rc, act, err); hookErr != nil {
				report.Err = hookErr
				return report
			}
		}
		switch {
		case err == nil:
			report.Completed = append(report.Completed, act.Name())
		case errors.Is(err, ErrPending):
			report.Pending = true
			a.logger.Debug("run pending", zap.Int64("run_id", rc.Run.ID), zap.String("action", act.Name()))
			return report
		default:
			report.Failed = true
			report.Err = err
			a.logger.Debug("run action failed", zap.Int64("run_id", rc.Run.ID), zap.String("action", act.Name()), zap.Error(err))
			return report
		}
	}
	return report
}
