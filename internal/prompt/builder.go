// Package prompt builds the instructions handed to each coding-agent
// session.
package prompt

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/plan"
)

// DefaultStatusTool is the command the agent uses to record task progress.
const DefaultStatusTool = "plan-status"

var (
	ErrNilContext      = errors.New("prompt context is nil")
	ErrMissingPlanPath = errors.New("plan path is required")
	ErrNoTasks         = errors.New("at least one task is required")
)

// Context holds everything a session prompt is built from.
type Context struct {
	PlanPath     string
	CurrentPhase plan.Label
	Tasks        []plan.Task
	// Constraints is the rendered Sequential Constraints block, if any.
	Constraints string
	// Notices lists tasks held back from this session.
	Notices []string
	// StatusTool is the task-status command; DefaultStatusTool when empty.
	StatusTool string
	// Counts, when set, adds a progress line.
	Counts *plan.Counts
}

// Build renders the session prompt.
func Build(ctx *Context) (string, error) {
	if err := validate(ctx); err != nil {
		return "", err
	}
	tool := ctx.StatusTool
	if tool == "" {
		tool = DefaultStatusTool
	}

	var sb strings.Builder

	sb.WriteString("# Plan Execution Session\n\n")
	fmt.Fprintf(&sb, "Plan state: `%s`\n", ctx.PlanPath)
	if ctx.CurrentPhase != "" {
		fmt.Fprintf(&sb, "Current phase: %s\n", ctx.CurrentPhase)
	}
	if c := ctx.Counts; c != nil {
		fmt.Fprintf(&sb, "Progress: %d of %d tasks done (%d pending, %d in progress, %d failed)\n",
			c.Completed+c.Skipped, c.Total, c.Pending, c.InProgress, c.Failed)
	}
	sb.WriteString("\n")

	sb.WriteString("## Tasks for This Session\n\n")
	for _, t := range ctx.Tasks {
		fmt.Fprintf(&sb, "- **%s**", t.ID)
		if t.Phase != "" {
			fmt.Fprintf(&sb, " (phase %s)", t.Phase)
		}
		fmt.Fprintf(&sb, ": %s\n", strings.TrimSpace(t.Description))
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&sb, "  - Depends on: %s (done)\n", strings.Join(t.Dependencies, ", "))
		}
	}
	sb.WriteString("\n")

	if ctx.Constraints != "" {
		sb.WriteString(strings.TrimRight(ctx.Constraints, "\n"))
		sb.WriteString("\n\n")
	}

	if len(ctx.Notices) > 0 {
		sb.WriteString("## Held Back\n\n")
		sb.WriteString("These tasks are not part of this session. Do not start them:\n")
		for _, n := range ctx.Notices {
			fmt.Fprintf(&sb, "- %s\n", n)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Recording Progress\n\n")
	sb.WriteString("The plan state file is maintained by a separate tool. Never edit it by hand.\n")
	fmt.Fprintf(&sb, "- Before starting a task: `%s start <task-id>`\n", tool)
	fmt.Fprintf(&sb, "- When a task is finished and verified: `%s complete <task-id>`\n", tool)
	fmt.Fprintf(&sb, "- If a task cannot be finished: `%s fail <task-id> --reason \"...\"`\n", tool)
	sb.WriteString("\nWork through the tasks above, record each outcome, then stop.\n")

	return sb.String(), nil
}

func validate(ctx *Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if ctx.PlanPath == "" {
		return ErrMissingPlanPath
	}
	if len(ctx.Tasks) == 0 {
		return ErrNoTasks
	}
	for i, t := range ctx.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task %d has no id", ErrNoTasks, i)
		}
	}
	return nil
}
