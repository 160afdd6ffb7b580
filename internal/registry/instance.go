package registry

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Status is the lifecycle state recorded for an orchestrator instance.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusStopping, StatusStopped, StatusCrashed:
		return true
	}
	return false
}

// Instance is the identity and liveness record of one orchestrator process.
type Instance struct {
	ID            string    `json:"id"`
	PID           int       `json:"pid"`
	PlanPath      string    `json:"planPath"`
	WorktreePath  string    `json:"worktreePath,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Status        Status    `json:"status"`
	SocketPath    string    `json:"socketPath,omitempty"`
}

// Document is the persisted registry.
type Document struct {
	Instances   []Instance `json:"instances"`
	LastCleanup *time.Time `json:"lastCleanup"`
}

func (d *Document) indexOf(id string) int {
	for i := range d.Instances {
		if d.Instances[i].ID == id {
			return i
		}
	}
	return -1
}

// NewInstanceID returns a sortable, time-derived id such as
// "20260314-093012-1a2b3c4d".
func NewInstanceID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format("20060102-150405") + "-" + suffix
}

// NewInstance builds a running record for the current process.
func NewInstance(planPath, worktreePath string) Instance {
	now := time.Now()
	return Instance{
		ID:            NewInstanceID(now),
		PID:           os.Getpid(),
		PlanPath:      NormalizePath(planPath),
		WorktreePath:  NormalizePath(worktreePath),
		CreatedAt:     now,
		LastHeartbeat: now,
		Status:        StatusRunning,
	}
}

// NormalizePath makes a path absolute and clean so that the same plan
// referenced from different working directories compares equal. Empty
// stays empty.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// ProcessAlive probes pid with signal 0. "No such process" and
// "permission denied" both count as dead.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
