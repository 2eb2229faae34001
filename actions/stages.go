package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/PipeOpsHQ/uq-campaign-go/state"
)

const bucketSize = 100

// CreateRunDirectory allocates <root>/runs_<lo>-<hi>/run_<id>, or
// <root>/run_<id> when Flatten is set. Calling it again is a no-op.
type CreateRunDirectory struct {
	Root    string
	Flatten bool
}

func (a *CreateRunDirectory) Name() string { return "create_run_directory" }
func (a *CreateRunDirectory) Stage() Stage { return StageCreateDir }

func (a *CreateRunDirectory) Act(_ context.Context, rc *RunContext) error {
	root := a.Root
	if root == "" {
		root = rc.RunRoot
	}
	if root == "" {
		return fmt.Errorf("run root is not set")
	}
	dir := RunDir(root, rc.Run.ID, a.Flatten)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory %q: %w", dir, err)
	}
	rc.Run.RunDir = dir
	return nil
}

func RunDir(root string, id int64, flatten bool) string {
	name := state.RunName(id)
	if flatten {
		return filepath.Join(root, name)
	}
	lo := (id-1)/bucketSize*bucketSize + 1
	return filepath.Join(root, fmt.Sprintf("runs_%d-%d", lo, lo+bucketSize-1), name)
}

type Encode struct{}

func (a *Encode) Name() string { return "encode" }
func (a *Encode) Stage() Stage { return StageEncode }

func (a *Encode) Act(_ context.Context, rc *RunContext) error {
	if rc.Encoder == nil {
		return fmt.Errorf("app has no encoder")
	}
	if rc.Run.RunDir == "" {
		return fmt.Errorf("run %d has no directory", rc.Run.ID)
	}
	return rc.Encoder.Encode(rc.Run.Params, rc.Run.RunDir)
}

// Execute hands the run to an executor. A failed outcome fails the run; a
// pending outcome leaves completion to later polling.
type Execute struct {
	Command  string
	Executor Executor
	Timeout  time.Duration
	Env      map[string]string
}

func NewExecute(command string, executor Executor) *Execute {
	return &Execute{Command: command, Executor: executor}
}

func (a *Execute) Name() string { return "execute" }
func (a *Execute) Stage() Stage { return StageExecute }

func (a *Execute) Job(rc *RunContext) Job {
	env := map[string]string{
		"UQ_RUN_ID":   strconv.FormatInt(rc.Run.ID, 10),
		"UQ_RUN_NAME": rc.Run.Name,
		"UQ_RUN_DIR":  rc.Run.RunDir,
	}
	for k, v := range a.Env {
		env[k] = v
	}
	return Job{
		RunID:   rc.Run.ID,
		RunName: rc.Run.Name,
		Dir:     rc.Run.RunDir,
		Command: a.Command,
		Env:     env,
		Timeout: a.Timeout,
	}
}

func (a *Execute) Act(ctx context.Context, rc *RunContext) error {
	if a.Executor == nil {
		return fmt.Errorf("execute action has no executor")
	}
	if a.Command == "" {
		return fmt.Errorf("execute action has no command")
	}
	if rc.Run.RunDir == "" {
		return fmt.Errorf("run %d has no directory", rc.Run.ID)
	}
	outcome, err := a.Executor.Dispatch(ctx, a.Job(rc))
	rc.Outcome = outcome
	if err != nil {
		return fmt.Errorf("failed to dispatch run %d: %w", rc.Run.ID, err)
	}
	switch outcome.State {
	case OutcomeSucceeded:
		return nil
	case OutcomePending:
		return ErrPending
	default:
		return outcome.Err()
	}
}

// Decode parses the run's output once it is complete.
type Decode struct{}

func (a *Decode) Name() string { return "decode" }
func (a *Decode) Stage() Stage { return StageDecode }

func (a *Decode) Act(_ context.Context, rc *RunContext) error {
	if rc.Decoder == nil {
		return fmt.Errorf("app has no decoder")
	}
	if rc.Run.RunDir == "" {
		return fmt.Errorf("run %d has no directory", rc.Run.ID)
	}
	if !rc.Decoder.SimComplete(rc.Run.RunDir) {
		return ErrPending
	}
	record, err := rc.Decoder.ParseSimOutput(rc.Run.RunDir)
	if err != nil {
		return err
	}
	rc.Result = record
	return nil
}
