package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Iron-Ham/planloop/internal/ipc"
)

// handleCommand serves IPC requests.
func (o *Orchestrator) handleCommand(_ context.Context, command string, payload map[string]any) (map[string]any, error) {
	switch command {
	case ipc.CommandStatus:
		return o.Status(), nil

	case ipc.CommandPause:
		ok := o.Pause()
		return map[string]any{"ack": ok, "state": string(o.State())}, nil

	case ipc.CommandResume:
		ok := o.Resume()
		return map[string]any{"ack": ok, "state": string(o.State())}, nil

	case ipc.CommandShutdown:
		force, _ := payload["force"].(bool)
		o.RequestShutdown(force)
		return map[string]any{"ack": true, "force": force}, nil

	case ipc.CommandHeartbeat:
		return map[string]any{"ack": true, "timestamp": time.Now().UTC().Format(time.RFC3339)}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

// Status describes the orchestrator for status requests.
func (o *Orchestrator) Status() map[string]any {
	tools := o.runner.ActiveTools()
	activeTools := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		activeTools = append(activeTools, map[string]any{
			"id":         t.ID,
			"name":       t.Name,
			"started_at": t.StartedAt.UTC().Format(time.RFC3339),
			"elapsed_ms": time.Since(t.StartedAt).Milliseconds(),
		})
	}

	o.mu.RLock()
	status := map[string]any{
		"ack":                  true,
		"instance_id":          o.id,
		"state":                string(o.state),
		"plan_path":            o.planPath,
		"pid":                  os.Getpid(),
		"iteration":            o.iteration,
		"consecutive_failures": o.failures,
		"current_tasks":        append([]string{}, o.currentTasks...),
		"active_tools":         activeTools,
	}
	if o.worktree != "" {
		status["worktree_path"] = o.worktree
	}
	if !o.startedAt.IsZero() {
		status["started_at"] = o.startedAt.UTC().Format(time.RFC3339)
	}
	if r := o.lastResult; r != nil {
		last := map[string]any{
			"success":     r.Success,
			"duration_ms": r.Duration.Milliseconds(),
			"cost_usd":    r.CostUSD,
		}
		if r.Error != "" {
			last["error"] = r.Error
		}
		if r.SessionID != "" {
			last["session_id"] = r.SessionID
		}
		status["last_session"] = last
	}
	o.mu.RUnlock()

	if st := o.monitor.Snapshot(); st != nil {
		c := st.Counts()
		status["current_phase"] = string(st.CurrentPhase)
		status["tasks"] = map[string]any{
			"total":       c.Total,
			"pending":     c.Pending,
			"in_progress": c.InProgress,
			"completed":   c.Completed,
			"failed":      c.Failed,
			"skipped":     c.Skipped,
		}
	}
	return status
}
