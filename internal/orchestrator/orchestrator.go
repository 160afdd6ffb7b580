// Package orchestrator runs the session loop for one plan: it registers the
// process in the instance registry, serves control commands over IPC,
// watches the plan state, and repeatedly launches coding-agent sessions on
// the next batch of ready tasks until the plan is complete or it is told to
// stop.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/planloop/internal/config"
	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/event"
	"github.com/Iron-Ham/planloop/internal/ipc"
	"github.com/Iron-Ham/planloop/internal/logging"
	"github.com/Iron-Ham/planloop/internal/plan"
	"github.com/Iron-Ham/planloop/internal/registry"
	"github.com/Iron-Ham/planloop/internal/runner"
	"github.com/Iron-Ham/planloop/internal/scheduler"
	"github.com/Iron-Ham/planloop/internal/statusmon"
)

// State is the lifecycle state reported in orchestrator_state events and
// status responses.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// teardownTimeout bounds registry writes made while shutting down, when the
// run context may already be cancelled.
const teardownTimeout = 10 * time.Second

var (
	// ErrTooManyFailures stops the loop after consecutive failed sessions.
	ErrTooManyFailures = errors.New("too many consecutive session failures")
	// ErrPlanBlocked stops the loop when no task is ready or in progress
	// but the plan is not complete.
	ErrPlanBlocked = errors.New("plan has no runnable tasks")
)

// SessionRunner runs coding-agent sessions. *runner.Runner implements it.
type SessionRunner interface {
	Run(ctx context.Context, prompt string, cb runner.Callbacks) runner.Result
	Stop()
	ActiveTools() []runner.ActiveTool
}

var _ SessionRunner = (*runner.Runner)(nil)

// Options supplies the plan and, optionally, prebuilt collaborators. Nil
// collaborators are built from the configuration.
type Options struct {
	PlanPath     string
	WorktreePath string
	// StatusTool is the task-status command named in prompts.
	StatusTool string

	Logger   *logging.Logger
	Registry *registry.Registry
	Bus      *event.Bus
	Runner   SessionRunner
}

// Orchestrator drives one plan. Create with New and call Run once.
type Orchestrator struct {
	cfg        *config.Config
	id         string
	planPath   string
	worktree   string
	statusTool string
	socketPath string
	logger     *logging.Logger

	reg     *registry.Registry
	bus     *event.Bus
	runner  SessionRunner
	monitor *statusmon.Monitor
	server  *ipc.Server

	// wake interrupts idle and pause waits.
	wake chan struct{}

	mu           sync.RWMutex
	state        State
	iteration    int
	failures     int
	currentTasks []string
	lastResult   *runner.Result
	shutdown     bool
	startedAt    time.Time

	// cancelSession aborts the session in progress; nil between sessions.
	cancelSession context.CancelFunc
}

// New wires an orchestrator for opts.PlanPath. Nothing is started or
// registered until Run.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.PlanPath == "" {
		return nil, errors.NewValidationError("plan path is required").WithField("plan")
	}

	id := registry.NewInstanceID(time.Now())
	planPath := registry.NormalizePath(opts.PlanPath)
	worktree := registry.NormalizePath(opts.WorktreePath)
	logger := logging.OrNop(opts.Logger).WithInstance(id).WithPlan(planPath)

	o := &Orchestrator{
		cfg:        cfg,
		id:         id,
		planPath:   planPath,
		worktree:   worktree,
		statusTool: opts.StatusTool,
		socketPath: ipc.SocketPath(cfg.IPC.ResolveSocketDir(), id),
		logger:     logger,
		wake:       make(chan struct{}, 1),
		state:      StateStarting,
	}

	o.reg = opts.Registry
	if o.reg == nil {
		o.reg = registry.New(cfg.Registry.Path, registry.Options{
			StaleThreshold:  cfg.Registry.StaleThreshold(),
			LockTimeout:     cfg.Registry.LockTimeout(),
			GraceMultiplier: cfg.Registry.StoppedGraceMultiplier,
			Logger:          logger,
		})
	}

	o.bus = opts.Bus
	if o.bus == nil {
		o.bus = event.NewBus(event.Config{
			QueueSize:       cfg.Events.QueueSize,
			BlockingWorkers: cfg.Events.BlockingWorkers,
			StopTimeout:     event.DefaultConfig().StopTimeout,
		}, logger)
	}

	o.runner = opts.Runner
	if o.runner == nil {
		o.runner = runner.New(runner.FromConfig(cfg.Runner, worktree), runner.Options{
			Bus:        o.bus,
			InstanceID: id,
			Logger:     logger,
		})
	}

	o.monitor = statusmon.New(planPath, statusmon.Options{
		PollInterval: cfg.Monitor.PollInterval(),
		UseFsnotify:  cfg.Monitor.UseFsnotify,
		Debounce:     cfg.Monitor.Debounce(),
		Bus:          o.bus,
		InstanceID:   id,
		OnStatus:     func(*plan.State) { o.poke() },
		Logger:       logger,
	})

	o.server = ipc.NewServer(o.socketPath, o.handleCommand,
		ipc.WithLogger(logger),
		ipc.WithMaxMessageBytes(cfg.IPC.MaxMessageBytes),
		ipc.WithJoinTimeout(cfg.IPC.AcceptPoll()),
	)
	return o, nil
}

// ID returns the instance id.
func (o *Orchestrator) ID() string { return o.id }

// PlanPath returns the normalized plan path.
func (o *Orchestrator) PlanPath() string { return o.planPath }

// SocketPath returns the control socket path.
func (o *Orchestrator) SocketPath() string { return o.socketPath }

// Bus returns the event bus so callers can subscribe before Run.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// setState moves to next and emits orchestrator_state. Returns false if the
// state was already next.
func (o *Orchestrator) setState(next State, reason string) bool {
	o.mu.Lock()
	prev := o.state
	if prev == next {
		o.mu.Unlock()
		return false
	}
	o.state = next
	o.mu.Unlock()

	o.logger.Info("orchestrator state changed", "from", string(prev), "to", string(next), "reason", reason)
	o.emitState(next, prev, reason)
	return true
}

// emitState queues orchestrator_state. State changes come from the loop and
// from IPC connection goroutines, so they share the bus's dispatch loop to
// reach subscribers in the order they happened.
func (o *Orchestrator) emitState(next, prev State, reason string) {
	data := event.OrchestratorStateData(string(next), string(prev), reason)
	if !o.bus.EmitQueued(event.OrchestratorState, data, o.id) {
		o.logger.Warn("state event not queued", "state", string(next))
	}
}

// transition moves from one specific state to another atomically.
func (o *Orchestrator) transition(from, to State, reason string) bool {
	o.mu.Lock()
	if o.state != from {
		o.mu.Unlock()
		return false
	}
	o.state = to
	o.mu.Unlock()

	o.logger.Info("orchestrator state changed", "from", string(from), "to", string(to), "reason", reason)
	o.emitState(to, from, reason)
	o.poke()
	return true
}

// Pause stops new sessions from starting. A running session is not
// interrupted. Returns false unless the loop was running.
func (o *Orchestrator) Pause() bool {
	return o.transition(StateRunning, StatePaused, "pause requested")
}

// Resume undoes Pause. Returns false unless the loop was paused.
func (o *Orchestrator) Resume() bool {
	return o.transition(StatePaused, StateRunning, "resume requested")
}

// RequestShutdown asks the loop to exit after the current session, or
// immediately with force, which also stops the running session. A forced
// request that lands while a session is still being launched cancels that
// session's context, so it cannot outlive the request.
func (o *Orchestrator) RequestShutdown(force bool) {
	o.mu.Lock()
	o.shutdown = true
	cancel := o.cancelSession
	o.mu.Unlock()
	o.logger.Info("shutdown requested", "force", force)
	if force {
		o.runner.Stop()
		if cancel != nil {
			cancel()
		}
	}
	o.poke()
}

func (o *Orchestrator) shutdownRequested() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.shutdown
}

func (o *Orchestrator) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run registers the instance, starts the background services and drives
// sessions until the plan completes, the context is cancelled, a shutdown is
// requested, or a loop limit is hit. A duplicate registration is returned
// unchanged so callers can report the existing instance.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	o.mu.Lock()
	o.startedAt = time.Now()
	o.mu.Unlock()
	o.emitState(StateStarting, "", "run")

	inst := registry.NewInstance(o.planPath, o.worktree)
	inst.ID = o.id
	inst.SocketPath = o.socketPath
	if err := o.reg.Register(ctx, inst); err != nil {
		o.setState(StateStopped, "registration failed")
		o.bus.Stop()
		return err
	}

	var hb *registry.Heartbeat
	serverStarted := false
	defer func() {
		o.teardown(hb, serverStarted, err)
	}()

	o.bus.Start(ctx)

	if err := o.server.Start(); err != nil {
		return err
	}
	serverStarted = true

	hb = o.reg.StartHeartbeat(ctx, o.id, o.cfg.Registry.HeartbeatInterval())

	if err := o.monitor.Start(ctx); err != nil {
		return err
	}

	o.setState(StateRunning, "started")
	return o.loop(ctx)
}

func (o *Orchestrator) loop(ctx context.Context) error {
	idle := o.cfg.Loop.IdlePoll()
	maxIter := o.cfg.Loop.MaxIterations
	maxFail := o.cfg.Loop.MaxConsecutiveFailures

	for {
		if ctx.Err() != nil {
			o.logger.Info("context cancelled, leaving loop")
			return nil
		}
		if o.shutdownRequested() {
			return nil
		}
		if o.State() == StatePaused {
			o.wait(ctx, idle)
			continue
		}

		st, err := plan.Load(o.planPath)
		if err != nil {
			o.logger.Warn("plan state unavailable, retrying", "error", err.Error())
			o.wait(ctx, idle)
			continue
		}
		if st.IsComplete() {
			o.logger.Info("plan complete", "tasks", len(st.Tasks))
			return nil
		}

		batch := scheduler.Plan(st)
		if batch.Empty() {
			if len(st.InProgress()) == 0 {
				o.logger.Warn("no task is ready or in progress", "counts", st.Counts())
				return ErrPlanBlocked
			}
			o.wait(ctx, idle)
			continue
		}

		if maxIter > 0 && o.Iteration() >= maxIter {
			o.logger.Info("iteration limit reached", "max_iterations", maxIter)
			return nil
		}

		res, err := o.runSession(ctx, st, batch)
		if err != nil {
			return err
		}
		if o.shutdownRequested() {
			return nil
		}
		if res.Success {
			o.setFailures(0)
			continue
		}

		failures := o.setFailures(o.Failures() + 1)
		o.logger.Warn("session failed",
			"error", res.Error,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
			"consecutive_failures", failures,
		)
		if maxFail > 0 && failures >= maxFail && ctx.Err() == nil {
			return errors.Wrapf(ErrTooManyFailures, "%d in a row, last: %s", failures, res.Error)
		}
	}
}

// wait blocks for d or until something wakes the loop.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-o.wake:
	case <-t.C:
	}
}

// Iteration returns the number of sessions started so far.
func (o *Orchestrator) Iteration() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.iteration
}

// Failures returns the current consecutive failure count.
func (o *Orchestrator) Failures() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.failures
}

func (o *Orchestrator) setFailures(n int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = n
	return n
}

// teardown stops everything Run started, in reverse order, and removes the
// registry record. The record is marked stopping first so observers can
// tell a clean exit from a crash while teardown runs.
func (o *Orchestrator) teardown(hb *registry.Heartbeat, serverStarted bool, runErr error) {
	reason := "finished"
	if runErr != nil {
		reason = runErr.Error()
	}
	o.setState(StateStopping, reason)

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := o.reg.UpdateStatus(ctx, o.id, registry.StatusStopping); err != nil {
		o.logger.Warn("failed to mark instance stopping", "error", err.Error())
	}

	o.runner.Stop()
	o.monitor.Stop()
	if hb != nil {
		hb.Stop()
	}
	if serverStarted {
		if err := o.server.Stop(); err != nil {
			o.logger.Warn("failed to stop ipc server", "error", err.Error())
		}
	}

	o.setState(StateStopped, reason)
	o.bus.Stop()

	if err := o.reg.Unregister(ctx, o.id); err != nil {
		o.logger.Warn("failed to unregister instance", "error", err.Error())
	}
	o.logger.Info("orchestrator stopped", "iterations", o.Iteration(), "reason", reason)
}
