package orchestrator

import (
	"context"
	"time"

	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/plan"
	"github.com/Iron-Ham/planloop/internal/prompt"
	"github.com/Iron-Ham/planloop/internal/runner"
	"github.com/Iron-Ham/planloop/internal/scheduler"
)

// runSession builds the prompt for batch and runs one session. The error
// return is reserved for prompt construction failures, which would repeat
// forever; session failures are reported in the Result.
func (o *Orchestrator) runSession(ctx context.Context, st *plan.State, batch scheduler.Batch) (runner.Result, error) {
	counts := st.Counts()
	text, err := prompt.Build(&prompt.Context{
		PlanPath:     o.planPath,
		CurrentPhase: st.CurrentPhase,
		Tasks:        batch.Tasks,
		Constraints:  batch.Constraints,
		Notices:      batch.Notices(),
		StatusTool:   o.statusTool,
		Counts:       &counts,
	})
	if err != nil {
		return runner.Result{}, errors.Wrap(err, "build session prompt")
	}

	for _, notice := range batch.Notices() {
		o.logger.Info(notice)
	}

	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return runner.Result{Stopped: true, Error: "shutdown requested before session start"}, nil
	}
	o.iteration++
	iteration := o.iteration
	o.currentTasks = batch.IDs()
	sessCtx, cancel := context.WithCancel(ctx)
	o.cancelSession = cancel
	o.mu.Unlock()
	defer cancel()

	log := o.logger.With("iteration", iteration)
	log.Info("starting session", "tasks", batch.IDs())

	res := o.runner.Run(sessCtx, text, runner.Callbacks{
		OnText: func(s string) {
			log.Debug("agent output", "chars", len(s))
		},
		OnToolStart: func(tool runner.ActiveTool) {
			log.Debug("tool started", "tool", tool.Name, "tool_id", tool.ID)
		},
		OnToolEnd: func(tool runner.ActiveTool, d time.Duration, ok bool) {
			log.Debug("tool completed", "tool", tool.Name, "tool_id", tool.ID, "duration_ms", d.Milliseconds(), "success", ok)
		},
	})

	o.mu.Lock()
	o.currentTasks = nil
	o.cancelSession = nil
	o.lastResult = &res
	o.mu.Unlock()

	log.Info("session ended",
		"success", res.Success,
		"duration_ms", res.Duration.Milliseconds(),
		"cost_usd", res.CostUSD,
		"turns", res.NumTurns,
	)
	return res, nil
}
