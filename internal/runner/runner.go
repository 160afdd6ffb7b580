// Package runner launches one coding-agent session at a time and follows its
// stream-json output.
//
// The agent is started as
//
//	{command} -p {prompt} --output-format stream-json --verbose [--dangerously-skip-permissions] {extra...}
//
// in its own process group. Each stdout line is one JSON record; assistant
// text is accumulated, tool_use and tool_result blocks are paired into tool
// lifecycle callbacks and events, and the final result line supplies the
// session summary.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/planloop/internal/config"
	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/event"
	"github.com/Iron-Ham/planloop/internal/logging"
)

const (
	defaultStopGrace   = 5 * time.Second
	defaultSummaryMax  = 100
	stderrTailBytes    = 4096
	stdoutReaderBuffer = 64 * 1024
)

// Config describes how sessions are launched.
type Config struct {
	Command         string
	ExtraArgs       []string
	SkipPermissions bool
	// WorkDir is the session's working directory; empty inherits ours.
	WorkDir string
	// Env is appended to the inherited environment.
	Env []string
	// Timeout bounds one session; zero disables it.
	Timeout time.Duration
	// StopGrace is the delay between SIGTERM and SIGKILL.
	StopGrace time.Duration
	// SummaryMaxChars clips string tool inputs in tool_started events.
	SummaryMaxChars int
}

// FromConfig converts the runner section of the configuration.
func FromConfig(c config.RunnerConfig, workDir string) Config {
	return Config{
		Command:         c.Command,
		ExtraArgs:       append([]string(nil), c.ExtraArgs...),
		SkipPermissions: c.SkipPermissions,
		WorkDir:         workDir,
		Timeout:         c.Timeout(),
		StopGrace:       c.StopGrace(),
		SummaryMaxChars: c.SummaryMaxChars,
	}
}

// Args returns the argument vector for prompt, excluding the command.
func (c Config) Args(prompt string) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if c.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, c.ExtraArgs...)
}

// Callbacks are optional hooks invoked on the goroutine calling Run.
type Callbacks struct {
	OnText      func(text string)
	OnToolStart func(tool ActiveTool)
	OnToolEnd   func(tool ActiveTool, duration time.Duration, success bool)
}

// Result summarizes a finished session.
type Result struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	TimedOut bool
	Stopped  bool

	SessionID string
	CostUSD   float64
	NumTurns  int
	Duration  time.Duration
}

// Options wires a Runner into the rest of the process.
type Options struct {
	Bus        event.Emitter
	InstanceID string
	Logger     *logging.Logger
}

// Runner executes sessions sequentially. Run must not be called
// concurrently; Stop and ActiveTools may be called from any goroutine.
type Runner struct {
	cfg    Config
	bus    event.Emitter
	instID string
	logger *logging.Logger

	mu      sync.Mutex
	current *session
	tools   map[string]ActiveTool
}

type session struct {
	cmd     *exec.Cmd
	done    chan struct{}
	stopped bool
}

// New creates a Runner.
func New(cfg Config, opts Options) *Runner {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = defaultSummaryMax
	}
	return &Runner{
		cfg:    cfg,
		bus:    opts.Bus,
		instID: opts.InstanceID,
		logger: logging.OrNop(opts.Logger).WithComponent("runner"),
		tools:  make(map[string]ActiveTool),
	}
}

// ActiveTools returns a snapshot of tool invocations awaiting a result.
func (r *Runner) ActiveTools() []ActiveTool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Running reports whether a session is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Run starts a session for prompt and blocks until it exits, times out, or
// ctx is cancelled. Failures are reported in the Result, never as a panic or
// separate error.
func (r *Runner) Run(ctx context.Context, prompt string, cb Callbacks) Result {
	start := time.Now()
	res := r.run(ctx, prompt, cb)
	res.Duration = time.Since(start)

	r.mu.Lock()
	clear(r.tools)
	r.mu.Unlock()

	r.logger.Info("session finished",
		"success", res.Success,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration_ms", res.Duration.Milliseconds(),
		"session_id", res.SessionID,
	)
	return res
}

func (r *Runner) run(ctx context.Context, prompt string, cb Callbacks) Result {
	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.cfg.Command, r.cfg.Args(prompt)...)
	cmd.Dir = r.cfg.WorkDir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.cfg.Env...)
	}
	configureProcess(cmd)
	cmd.Cancel = func() error { return signalGroup(cmd, unix.SIGKILL) }
	cmd.WaitDelay = r.cfg.StopGrace

	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1, Error: fmt.Sprintf("stdout pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		r.logger.Error("failed to start session", "command", r.cfg.Command, "error", err.Error())
		return Result{ExitCode: -1, Error: fmt.Sprintf("start %s: %v", r.cfg.Command, err)}
	}

	sess := &session{cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.current = sess
	r.mu.Unlock()
	defer func() {
		close(sess.done)
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}()

	r.logger.Info("session started", "pid", cmd.Process.Pid, "workdir", r.cfg.WorkDir)

	p := &parser{runner: r, cb: cb}
	reader := bufio.NewReaderSize(stdout, stdoutReaderBuffer)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			p.handle(line)
		}
		if readErr != nil {
			if readErr != io.EOF && runCtx.Err() == nil {
				r.logger.Warn("reading session output failed", "error", readErr.Error())
			}
			break
		}
	}

	waitErr := cmd.Wait()

	res := p.result()
	res.ExitCode = exitCode(cmd, waitErr)

	r.mu.Lock()
	res.Stopped = sess.stopped
	r.mu.Unlock()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.Error = fmt.Sprintf("session timed out after %s", r.cfg.Timeout)
	case ctx.Err() != nil:
		res.Error = fmt.Sprintf("session cancelled: %v", ctx.Err())
	case res.Stopped:
		res.Error = "session stopped"
	case waitErr != nil:
		res.Error = fmt.Sprintf("session exited with code %d", res.ExitCode)
	case p.resultIsError:
		res.Error = "session reported an error result"
	}

	if res.Error != "" {
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			res.Error += ": " + tail
		}
		return res
	}
	res.Success = true
	return res
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// Stop terminates the running session, if any: SIGTERM to its process
// group, then SIGKILL once the grace period passes. Stop does not wait for
// Run to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	sess := r.current
	if sess != nil {
		sess.stopped = true
	}
	r.mu.Unlock()
	if sess == nil {
		return
	}

	r.logger.Info("stopping session", "pid", sess.cmd.Process.Pid)
	if err := signalGroup(sess.cmd, unix.SIGTERM); err != nil {
		r.logger.Warn("SIGTERM failed", "error", err.Error())
	}
	go func() {
		select {
		case <-sess.done:
		case <-time.After(r.cfg.StopGrace):
			r.logger.Warn("session ignored SIGTERM, killing")
			_ = signalGroup(sess.cmd, unix.SIGKILL)
		}
	}()
}

// parser turns stream-json lines into callbacks, events and a Result.
type parser struct {
	runner *Runner
	cb     Callbacks

	output        strings.Builder
	sessionID     string
	costUSD       float64
	numTurns      int
	resultIsError bool
}

func (p *parser) handle(raw []byte) {
	line, ok := parseLine(raw)
	if !ok {
		return
	}
	switch line.Type {
	case "system":
		if line.Subtype == "init" && line.SessionID != "" {
			p.sessionID = line.SessionID
		}
	case "assistant":
		if line.Message == nil {
			return
		}
		for _, block := range line.Message.Content {
			switch block.Type {
			case "text":
				p.text(block.Text)
			case "tool_use":
				p.toolStart(block)
			}
		}
	case "user":
		if line.Message == nil {
			return
		}
		for _, block := range line.Message.Content {
			if block.Type == "tool_result" {
				p.toolEnd(block)
			}
		}
	case "result":
		if line.SessionID != "" {
			p.sessionID = line.SessionID
		}
		p.costUSD = line.TotalCostUSD
		p.numTurns = line.NumTurns
		p.resultIsError = line.IsError
		if line.Result != "" && !strings.Contains(p.output.String(), line.Result) {
			p.appendOutput(line.Result)
		}
	}
}

func (p *parser) appendOutput(s string) {
	if p.output.Len() > 0 && !strings.HasSuffix(p.output.String(), "\n") {
		p.output.WriteByte('\n')
	}
	p.output.WriteString(s)
}

func (p *parser) text(s string) {
	if s == "" {
		return
	}
	p.appendOutput(s)
	if p.cb.OnText != nil {
		p.cb.OnText(s)
	}
}

func (p *parser) toolStart(block contentBlock) {
	if block.ID == "" {
		return
	}
	tool := ActiveTool{ID: block.ID, Name: block.Name, StartedAt: time.Now(), Input: block.Input}
	r := p.runner

	r.mu.Lock()
	r.tools[tool.ID] = tool
	r.mu.Unlock()

	if p.cb.OnToolStart != nil {
		p.cb.OnToolStart(tool)
	}
	if r.bus != nil {
		r.bus.Emit(event.ToolStarted,
			event.ToolStartedData(tool.ID, tool.Name, SummarizeInput(tool.Input, r.cfg.SummaryMaxChars)),
			r.instID)
	}
}

func (p *parser) toolEnd(block contentBlock) {
	r := p.runner
	r.mu.Lock()
	tool, ok := r.tools[block.ToolUseID]
	delete(r.tools, block.ToolUseID)
	r.mu.Unlock()
	if !ok {
		return
	}

	duration := time.Since(tool.StartedAt)
	success := !block.IsError
	if p.cb.OnToolEnd != nil {
		p.cb.OnToolEnd(tool, duration, success)
	}
	if r.bus != nil {
		r.bus.Emit(event.ToolCompleted, event.ToolCompletedData(tool.ID, tool.Name, duration, success), r.instID)
	}
}

func (p *parser) result() Result {
	return Result{
		Output:    p.output.String(),
		SessionID: p.sessionID,
		CostUSD:   p.costUSD,
		NumTurns:  p.numTurns,
	}
}
