package scheduler

import (
	"reflect"
	"strings"
	"testing"

	"github.com/Iron-Ham/planloop/internal/plan"
)

func ids(tasks []plan.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestFilterSequential(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []plan.Task
		wantKept    []string
		wantNotices []string
	}{
		{
			name:     "no groups",
			tasks:    []plan.Task{{ID: "1"}, {ID: "2"}},
			wantKept: []string{"1", "2"},
		},
		{
			name: "one group",
			tasks: []plan.Task{
				{ID: "1.1", SequentialGroup: "db"},
				{ID: "1.2", SequentialGroup: "db"},
				{ID: "1.3", SequentialGroup: "db"},
			},
			wantKept: []string{"1.1"},
			wantNotices: []string{
				"Task 1.2 held back (sequential with 1.1)",
				"Task 1.3 held back (sequential with 1.1)",
			},
		},
		{
			name: "mixed order preserved",
			tasks: []plan.Task{
				{ID: "a", SequentialGroup: "x"},
				{ID: "b"},
				{ID: "c", SequentialGroup: "y"},
				{ID: "d", SequentialGroup: "x"},
				{ID: "e"},
				{ID: "f", SequentialGroup: "y"},
			},
			wantKept: []string{"a", "b", "c", "e"},
			wantNotices: []string{
				"Task d held back (sequential with a)",
				"Task f held back (sequential with c)",
			},
		},
		{
			name:     "sequential flag without group is ungrouped",
			tasks:    []plan.Task{{ID: "1", Sequential: true}, {ID: "2", Sequential: true}},
			wantKept: []string{"1", "2"},
		},
		{
			name: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, held := FilterSequential(tt.tasks)
			if got := ids(kept); !reflect.DeepEqual(got, tt.wantKept) && !(len(got) == 0 && len(tt.wantKept) == 0) {
				t.Errorf("kept = %v, want %v", got, tt.wantKept)
			}
			var notices []string
			for _, h := range held {
				notices = append(notices, h.Notice())
			}
			if !reflect.DeepEqual(notices, tt.wantNotices) {
				t.Errorf("notices = %v, want %v", notices, tt.wantNotices)
			}
		})
	}
}

func TestConstraintsBlock(t *testing.T) {
	if got := ConstraintsBlock([]plan.Task{{ID: "1"}, {ID: "2"}}); got != "" {
		t.Errorf("ungrouped batch should produce no block, got %q", got)
	}
	if got := ConstraintsBlock(nil); got != "" {
		t.Errorf("empty batch should produce no block, got %q", got)
	}

	block := ConstraintsBlock([]plan.Task{
		{ID: "2.1", SequentialGroup: "schema", SequentialReason: "Each migration depends on the previous schema."},
		{ID: "2.4"},
		{ID: "2.2", SequentialGroup: "schema"},
		{ID: "2.3", SequentialGroup: "schema"},
		{ID: "3.1", SequentialGroup: "docs"},
	})

	if !strings.HasPrefix(block, "## Sequential Constraints\n") {
		t.Errorf("block should start with the section heading:\n%s", block)
	}
	for _, want := range []string{
		"- Group `schema` (tasks 2.1 through 2.3): Each migration depends on the previous schema.",
		"- Group `docs` (task 3.1)\n",
	} {
		if !strings.Contains(block, want) {
			t.Errorf("block missing %q:\n%s", want, block)
		}
	}
	if strings.Index(block, "`schema`") > strings.Index(block, "`docs`") {
		t.Error("groups should be listed in order of first appearance")
	}
	if strings.Contains(block, "2.4") {
		t.Error("ungrouped tasks should not appear in the block")
	}
}

func TestPlan(t *testing.T) {
	st := &plan.State{Tasks: []plan.Task{
		{ID: "1.1", Status: plan.StatusCompleted},
		{ID: "1.2", Status: plan.StatusInProgress, SequentialGroup: "api"},
		{ID: "1.3", Status: plan.StatusPending, SequentialGroup: "api"},
		{ID: "1.4", Status: plan.StatusPending, Dependencies: []string{"1.1"}},
		{ID: "1.5", Status: plan.StatusPending, Dependencies: []string{"1.2"}},
		{ID: "2.1", Status: plan.StatusPending, SequentialGroup: "ui", SequentialReason: "shared layout"},
		{ID: "2.2", Status: plan.StatusPending, SequentialGroup: "ui"},
	}}

	b := Plan(st)

	if got := b.IDs(); !reflect.DeepEqual(got, []string{"1.4", "2.1"}) {
		t.Errorf("batch = %v, want [1.4 2.1]", got)
	}
	wantNotices := []string{
		"Task 1.3 held back (sequential with 1.2)",
		"Task 2.2 held back (sequential with 2.1)",
	}
	if got := b.Notices(); !reflect.DeepEqual(got, wantNotices) {
		t.Errorf("notices = %v, want %v", got, wantNotices)
	}
	if !strings.Contains(b.Constraints, "`ui`") || !strings.Contains(b.Constraints, "`api`") {
		t.Errorf("constraints should cover ready groups:\n%s", b.Constraints)
	}
	if b.Empty() {
		t.Error("batch should not be empty")
	}

	if !Plan(nil).Empty() {
		t.Error("Plan(nil) should be empty")
	}
	done := &plan.State{Tasks: []plan.Task{{ID: "x", Status: plan.StatusCompleted}}}
	if got := Plan(done); !got.Empty() || got.Constraints != "" {
		t.Errorf("completed plan batch = %+v", got)
	}
}
