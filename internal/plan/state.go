// Package plan provides a read-only, typed view of a plan state document.
//
// The document is owned and rewritten by an external task-status tool;
// planloop only reads it to decide what to run next and to detect progress.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// IsDone reports whether the status satisfies dependents.
func (s Status) IsDone() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Label is a phase identifier. Plan documents write phases both as numbers
// (1) and strings ("1" or "setup"), so Label accepts either and keeps the
// textual form.
type Label string

// UnmarshalJSON accepts a JSON string, number, or null.
func (l *Label) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*l = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Label(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("phase must be a string or number: %w", err)
		}
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			*l = Label(strconv.FormatInt(i, 10))
		} else {
			*l = Label(n.String())
		}
	}
	return nil
}

// Task is one entry of the plan's task list.
type Task struct {
	ID               string   `json:"id"`
	Phase            Label    `json:"phase"`
	Description      string   `json:"description"`
	Status           Status   `json:"status"`
	Dependencies     []string `json:"dependencies,omitempty"`
	Sequential       bool     `json:"sequential,omitempty"`
	SequentialGroup  string   `json:"sequentialGroup,omitempty"`
	SequentialReason string   `json:"sequentialReason,omitempty"`
}

// Group returns the sequential group tag, or "" for ungrouped tasks.
func (t Task) Group() string {
	return t.SequentialGroup
}

// State is a parsed plan state document.
type State struct {
	Tasks        []Task         `json:"tasks"`
	Summary      map[string]any `json:"summary,omitempty"`
	CurrentPhase Label          `json:"currentPhase"`

	// Raw is the document as generic JSON, forwarded verbatim to observers.
	Raw map[string]any `json:"-"`
}

// Counts tallies tasks by status.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Load reads and parses the plan state document at path.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan state: %w", err)
	}
	return Parse(data)
}

// Parse decodes a plan state document.
func Parse(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse plan state: %w", err)
	}
	if err := json.Unmarshal(data, &st.Raw); err != nil {
		return nil, fmt.Errorf("parse plan state: %w", err)
	}
	return &st, nil
}

// TaskByID returns the task with the given id.
func (s *State) TaskByID(id string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// ReadyTasks returns pending tasks whose dependencies are all completed or
// skipped, in declaration order. A dependency on an unknown id blocks the task.
func (s *State) ReadyTasks() []Task {
	status := make(map[string]Status, len(s.Tasks))
	for _, t := range s.Tasks {
		status[t.ID] = t.Status
	}

	var ready []Task
	for _, t := range s.Tasks {
		if t.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			if st, found := status[dep]; !found || !st.IsDone() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// InProgress returns tasks currently marked in_progress.
func (s *State) InProgress() []Task {
	var out []Task
	for _, t := range s.Tasks {
		if t.Status == StatusInProgress {
			out = append(out, t)
		}
	}
	return out
}

// IsComplete reports whether every task is completed or skipped. A plan
// without tasks is not complete.
func (s *State) IsComplete() bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, t := range s.Tasks {
		if !t.Status.IsDone() {
			return false
		}
	}
	return true
}

// Counts tallies tasks by status. Unknown statuses only count toward Total.
func (s *State) Counts() Counts {
	c := Counts{Total: len(s.Tasks)}
	for _, t := range s.Tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
	}
	return c
}

// StatusMap returns task id to status for diffing snapshots.
func (s *State) StatusMap() map[string]Status {
	m := make(map[string]Status, len(s.Tasks))
	for _, t := range s.Tasks {
		m[t.ID] = t.Status
	}
	return m
}
