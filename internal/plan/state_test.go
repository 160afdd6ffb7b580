package plan

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleDoc = `{
  "currentPhase": 2,
  "summary": {"title": "auth rewrite"},
  "tasks": [
    {"id": "1.1", "phase": 1, "description": "scaffold", "status": "completed"},
    {"id": "1.2", "phase": "1", "description": "docs", "status": "skipped"},
    {"id": "2.1", "phase": 2, "description": "api", "status": "pending", "dependencies": ["1.1", "1.2"], "sequentialGroup": "db", "sequentialReason": "shared schema"},
    {"id": "2.2", "phase": 2, "description": "cli", "status": "pending", "dependencies": ["2.1"]},
    {"id": "2.3", "phase": 2, "description": "ui", "status": "in_progress"},
    {"id": "2.4", "phase": 2, "description": "ghost dep", "status": "pending", "dependencies": ["9.9"]}
  ]
}`

func TestParse(t *testing.T) {
	st, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if st.CurrentPhase != "2" {
		t.Errorf("CurrentPhase = %q, want %q", st.CurrentPhase, "2")
	}
	if len(st.Tasks) != 6 {
		t.Fatalf("len(Tasks) = %d, want 6", len(st.Tasks))
	}
	if st.Tasks[0].Phase != "1" || st.Tasks[1].Phase != "1" {
		t.Errorf("numeric and string phases should both decode to \"1\": %q %q", st.Tasks[0].Phase, st.Tasks[1].Phase)
	}
	if st.Tasks[2].Group() != "db" || st.Tasks[2].SequentialReason != "shared schema" {
		t.Errorf("sequential fields not decoded: %+v", st.Tasks[2])
	}
	if st.Raw["summary"] == nil {
		t.Error("Raw should hold the full document")
	}
}

func TestLabel_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want Label
	}{
		{`{"currentPhase": null}`, ""},
		{`{"currentPhase": "setup"}`, "setup"},
		{`{"currentPhase": 3}`, "3"},
		{`{"currentPhase": 1.5}`, "1.5"},
		{`{}`, ""},
	}
	for _, tt := range tests {
		st, err := Parse([]byte(tt.in))
		if err != nil {
			t.Fatalf("Parse(%s) error = %v", tt.in, err)
		}
		if st.CurrentPhase != tt.want {
			t.Errorf("Parse(%s).CurrentPhase = %q, want %q", tt.in, st.CurrentPhase, tt.want)
		}
	}

	if _, err := Parse([]byte(`{"currentPhase": true}`)); err == nil {
		t.Error("boolean phase should fail to parse")
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("expected error for malformed document")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan-state.json")
	if _, err := Load(path); err == nil {
		t.Error("expected error for missing file")
	}
	if err := os.WriteFile(path, []byte(sampleDoc), 0644); err != nil {
		t.Fatal(err)
	}
	st, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Tasks) != 6 {
		t.Errorf("len(Tasks) = %d", len(st.Tasks))
	}
}

func TestReadyTasks(t *testing.T) {
	st, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatal(err)
	}

	ready := st.ReadyTasks()
	if len(ready) != 1 || ready[0].ID != "2.1" {
		t.Fatalf("ReadyTasks() = %v, want [2.1]", ids(ready))
	}

	st.Tasks[2].Status = StatusCompleted
	ready = st.ReadyTasks()
	if len(ready) != 1 || ready[0].ID != "2.2" {
		t.Errorf("after completing 2.1, ReadyTasks() = %v, want [2.2]", ids(ready))
	}
}

func TestCompletionAndCounts(t *testing.T) {
	st, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if st.IsComplete() {
		t.Error("plan with pending tasks should not be complete")
	}

	c := st.Counts()
	want := Counts{Total: 6, Pending: 3, InProgress: 1, Completed: 1, Skipped: 1}
	if c != want {
		t.Errorf("Counts() = %+v, want %+v", c, want)
	}

	if got := st.InProgress(); len(got) != 1 || got[0].ID != "2.3" {
		t.Errorf("InProgress() = %v", ids(got))
	}
	if task, ok := st.TaskByID("2.4"); !ok || task.Description != "ghost dep" {
		t.Errorf("TaskByID(2.4) = %+v, %v", task, ok)
	}
	if _, ok := st.TaskByID("nope"); ok {
		t.Error("TaskByID(nope) should not be found")
	}

	for i := range st.Tasks {
		st.Tasks[i].Status = StatusCompleted
	}
	if !st.IsComplete() {
		t.Error("all-completed plan should be complete")
	}
	if (&State{}).IsComplete() {
		t.Error("empty plan should not be complete")
	}
}

func ids(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
