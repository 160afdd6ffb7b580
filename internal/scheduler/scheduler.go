// Package scheduler picks the tasks for the next session and enforces
// sequential groups: tasks sharing a group tag never run in the same batch.
package scheduler

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/planloop/internal/plan"
)

// Hold records a task kept out of the batch because another member of its
// sequential group goes first.
type Hold struct {
	Task   plan.Task
	Behind plan.Task
}

// Notice is the human-readable line added to the prompt and logs.
func (h Hold) Notice() string {
	return fmt.Sprintf("Task %s held back (sequential with %s)", h.Task.ID, h.Behind.ID)
}

// FilterSequential keeps every ungrouped task and the first task of each
// sequential group, holding back the rest. Relative order is preserved.
func FilterSequential(tasks []plan.Task) ([]plan.Task, []Hold) {
	first := make(map[string]plan.Task)
	kept := make([]plan.Task, 0, len(tasks))
	var held []Hold

	for _, t := range tasks {
		g := t.Group()
		if g == "" {
			kept = append(kept, t)
			continue
		}
		if leader, ok := first[g]; ok {
			held = append(held, Hold{Task: t, Behind: leader})
			continue
		}
		first[g] = t
		kept = append(kept, t)
	}
	return kept, held
}

// ConstraintsBlock renders the "Sequential Constraints" prompt section for
// the groups present in tasks: each group's id range and rationale. It
// returns "" when no task is grouped.
func ConstraintsBlock(tasks []plan.Task) string {
	type group struct {
		name   string
		ids    []string
		reason string
	}
	var order []*group
	byName := make(map[string]*group)

	for _, t := range tasks {
		name := t.Group()
		if name == "" {
			continue
		}
		g, ok := byName[name]
		if !ok {
			g = &group{name: name}
			byName[name] = g
			order = append(order, g)
		}
		g.ids = append(g.ids, t.ID)
		if g.reason == "" {
			g.reason = strings.TrimSpace(t.SequentialReason)
		}
	}
	if len(order) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Sequential Constraints\n\n")
	b.WriteString("Tasks in the same group below must be completed one at a time, in order. ")
	b.WriteString("Finish and mark each task before starting the next one in its group.\n\n")
	for _, g := range order {
		fmt.Fprintf(&b, "- Group `%s` (%s)", g.name, idRange(g.ids))
		if g.reason != "" {
			fmt.Fprintf(&b, ": %s", g.reason)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func idRange(ids []string) string {
	switch len(ids) {
	case 0:
		return ""
	case 1:
		return "task " + ids[0]
	default:
		return fmt.Sprintf("tasks %s through %s", ids[0], ids[len(ids)-1])
	}
}

// Batch is the scheduling decision for one session.
type Batch struct {
	// Tasks are the tasks the session should work on.
	Tasks []plan.Task
	// Held are ready tasks deferred behind a group peer.
	Held []Hold
	// Constraints is the prompt block for the groups among the ready tasks.
	Constraints string
}

// Empty reports whether there is nothing to run.
func (b Batch) Empty() bool { return len(b.Tasks) == 0 }

// IDs returns the ids of the batch's tasks.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Tasks))
	for i, t := range b.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Notices returns one notice per held task.
func (b Batch) Notices() []string {
	out := make([]string, len(b.Held))
	for i, h := range b.Held {
		out[i] = h.Notice()
	}
	return out
}

// Plan computes the next batch from a plan state: ready tasks, minus ready
// tasks whose group already has a task in progress, filtered so that each
// remaining group contributes one task.
func Plan(st *plan.State) Batch {
	if st == nil {
		return Batch{}
	}
	ready := st.ReadyTasks()

	busy := make(map[string]plan.Task)
	for _, t := range st.InProgress() {
		if g := t.Group(); g != "" {
			if _, ok := busy[g]; !ok {
				busy[g] = t
			}
		}
	}

	var candidates []plan.Task
	var held []Hold
	for _, t := range ready {
		if leader, ok := busy[t.Group()]; ok && t.Group() != "" {
			held = append(held, Hold{Task: t, Behind: leader})
			continue
		}
		candidates = append(candidates, t)
	}

	kept, moreHeld := FilterSequential(candidates)
	return Batch{
		Tasks:       kept,
		Held:        append(held, moreHeld...),
		Constraints: ConstraintsBlock(ready),
	}
}
