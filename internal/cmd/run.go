package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/event"
	"github.com/Iron-Ham/planloop/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run sessions against a plan until it is complete",
	Long: `Run starts an orchestration loop for one plan state file. Each session
hands the ready tasks to the coding agent and waits for it to exit; the
loop reloads the plan between sessions and stops when every task is
completed, failed or skipped.

Only one loop may run per plan. Interrupt with Ctrl-C or use
'planloop stop' from another terminal.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runPlan       string
	runWorktree   string
	runStatusTool string
	runQuiet      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runPlan, "plan", "p", "", "Path to the plan state file (required)")
	runCmd.Flags().StringVarP(&runWorktree, "worktree", "w", "", "Working directory for agent sessions (default: current directory)")
	runCmd.Flags().StringVar(&runStatusTool, "status-tool", "", "Command the agent uses to record task progress")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print progress events")
	_ = runCmd.MarkFlagRequired("plan")
}

func runRun(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(runPlan); err != nil {
		return fmt.Errorf("plan not found: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	defer func() { _ = logger.Close() }()

	orch, err := orchestrator.New(cfg, orchestrator.Options{
		PlanPath:     runPlan,
		WorktreePath: runWorktree,
		StatusTool:   runStatusTool,
		Logger:       logger,
		Registry:     openRegistry(cfg, logger),
	})
	if err != nil {
		return err
	}

	if !runQuiet {
		printProgress(cmd, orch.Bus())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Started %s for %s\n", orch.ID(), orch.PlanPath())

	err = orch.Run(ctx)
	var dup *errors.DuplicatePlanError
	switch {
	case errors.As(err, &dup):
		return fmt.Errorf("plan is already being run by %s (pid %d); stop it with 'planloop stop %s'",
			dup.ExistingID, dup.ExistingPID, dup.ExistingID)
	case errors.IsCoordinationError(err) && errors.IsRetryable(err):
		return fmt.Errorf("registry %s is busy: %w", cfg.Registry.Path, err)
	case errors.Is(err, orchestrator.ErrPlanBlocked):
		return fmt.Errorf("%w: check the dependencies of pending tasks", err)
	case err != nil:
		return err
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		fmt.Fprintln(out, "Interrupted.")
		return nil
	}
	fmt.Fprintln(out, "Plan finished.")
	return nil
}

// printProgress echoes the events a person watching the loop cares about.
// Plan and state events come from the bus's dispatch loop while tool events
// come from the session's read loop, so writes share a lock.
func printProgress(cmd *cobra.Command, bus *event.Bus) {
	var mu sync.Mutex
	w := cmd.OutOrStdout()
	out := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return w.Write(p)
	})
	bus.Subscribe(event.TaskChanged, func(e event.Event) {
		fmt.Fprintf(out, "  task %v: %v -> %v\n", e.Data["task_id"], orDash(e.Data["old_status"]), e.Data["new_status"])
	})
	bus.Subscribe(event.PhaseChanged, func(e event.Event) {
		fmt.Fprintf(out, "  phase %v -> %v\n", orDash(e.Data["old_phase"]), e.Data["new_phase"])
	})
	bus.Subscribe(event.ToolStarted, func(e event.Event) {
		fmt.Fprintf(out, "  tool %v\n", e.Data["name"])
	})
	bus.Subscribe(event.OrchestratorState, func(e event.Event) {
		fmt.Fprintf(out, "[%v]\n", e.Data["state"])
	})
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func orDash(v any) any {
	if s, ok := v.(string); ok && s == "" {
		return "-"
	}
	if v == nil {
		return "-"
	}
	return v
}
