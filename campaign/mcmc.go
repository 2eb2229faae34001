package campaign

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/uq-campaign-go/actions"
	"github.com/PipeOpsHQ/uq-campaign-go/sampling"
	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

// MCMCOptions configures RunMCMC.
type MCMCOptions struct {
	Steps int
	// Target is the decoded output column holding the target density at the
	// proposal. It is a plain density unless LogDensity is set.
	Target     string
	LogDensity bool
}

// MCMCStep is one proposal of the chain. RunID is zero for proposals the
// app schema rejected before a run was created.
type MCMCStep struct {
	RunID    int64        `json:"runId,omitempty"`
	Params   types.Params `json:"params"`
	LogP     float64      `json:"logp"`
	Accepted bool         `json:"accepted"`
}

type MCMCReport struct {
	Steps    []MCMCStep   `json:"steps"`
	Accepted int          `json:"accepted"`
	Current  types.Params `json:"current"`
}

// RunMCMC advances the campaign's MCMC sampler opts.Steps times. Each step
// draws one proposal as its own ensemble, runs it through the full pipeline
// with execute, and feeds the decoded target back to the chain. Proposals
// that fail or fall outside the app schema are rejected. The executor must
// finish runs before returning; pooled executors are refused.
func (c *Campaign) RunMCMC(ctx context.Context, execute *actions.Execute, opts MCMCOptions) (MCMCReport, error) {
	if opts.Steps <= 0 {
		return MCMCReport{}, fmt.Errorf("mcmc needs a positive step count")
	}
	if opts.Target == "" {
		return MCMCReport{}, fmt.Errorf("mcmc needs a target output column")
	}
	if execute == nil {
		return MCMCReport{}, fmt.Errorf("mcmc needs an execute action")
	}
	if _, pooled := execute.Executor.(actions.Pool); pooled {
		return MCMCReport{}, fmt.Errorf("mcmc needs a synchronous executor")
	}
	c.mu.Lock()
	app, err := c.activeApp()
	c.mu.Unlock()
	if err != nil {
		return MCMCReport{}, err
	}
	if _, err := c.mcmcSampler(); err != nil {
		return MCMCReport{}, err
	}
	pipeline := actions.Default(c.runsDir, c.flatten, execute)

	var report MCMCReport
	for len(report.Steps) < opts.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		runs, err := c.DrawSamples(ctx, 1)
		if errors.Is(err, types.ErrSchemaValidation) {
			step, err := c.rejectOutOfSchema()
			if err != nil {
				return report, err
			}
			report.Steps = append(report.Steps, step)
			continue
		}
		if err != nil {
			return report, err
		}

		if _, err := c.applyRuns(ctx, app, pipeline, runs); err != nil {
			return report, err
		}
		run, err := c.store.LoadRun(ctx, runs[0].ID)
		if err != nil {
			return report, err
		}
		logp, err := targetLogDensity(run, opts)
		if err != nil {
			return report, err
		}

		step := MCMCStep{RunID: run.ID, Params: run.Params, LogP: logp}
		if step.Accepted, err = c.updateChain(logp); err != nil {
			return report, err
		}
		if step.Accepted {
			report.Accepted++
		}
		c.logger.Debug("mcmc step",
			zap.Int64("run_id", run.ID),
			zap.Float64("logp", logp),
			zap.Bool("accepted", step.Accepted),
		)
		report.Steps = append(report.Steps, step)
	}

	m, err := c.mcmcSampler()
	if err != nil {
		return report, err
	}
	c.mu.Lock()
	report.Current = m.Current()
	c.mu.Unlock()
	return report, nil
}

func (c *Campaign) mcmcSampler() (*sampling.MCMC, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sampler == nil {
		return nil, ErrNoSampler
	}
	m, ok := c.sampler.(*sampling.MCMC)
	if !ok {
		return nil, fmt.Errorf("sampler %q is not an mcmc sampler", c.sampler.Name())
	}
	return m, nil
}

func (c *Campaign) updateChain(logp float64) (bool, error) {
	m, err := c.mcmcSampler()
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return m.Update(logp)
}

// rejectOutOfSchema consumes the proposal DrawSamples refused. The draw was
// rewound, so the proposal is taken again and rejected outright.
func (c *Campaign) rejectOutOfSchema() (MCMCStep, error) {
	m, err := c.mcmcSampler()
	if err != nil {
		return MCMCStep{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	params, err := m.Next()
	if err != nil {
		return MCMCStep{}, err
	}
	logp := math.Inf(-1)
	accepted, err := m.Update(logp)
	if err != nil {
		return MCMCStep{}, err
	}
	return MCMCStep{Params: params, LogP: logp, Accepted: accepted}, nil
}

func targetLogDensity(run state.RunRecord, opts MCMCOptions) (float64, error) {
	if run.Status == types.StatusFailed {
		return math.Inf(-1), nil
	}
	if run.Result == nil {
		return 0, fmt.Errorf("run %d finished without decoded output", run.ID)
	}
	raw, ok := run.Result[opts.Target]
	if !ok {
		return 0, fmt.Errorf("run %d output has no %q column", run.ID, opts.Target)
	}
	v, ok := types.ToFloat(raw)
	if !ok {
		return 0, fmt.Errorf("run %d output %q is not a number", run.ID, opts.Target)
	}
	if opts.LogDensity {
		return v, nil
	}
	if v <= 0 {
		return math.Inf(-1), nil
	}
	return math.Log(v), nil
}
