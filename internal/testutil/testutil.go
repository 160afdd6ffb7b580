// Package testutil provides testing utilities for planloop tests.
package testutil

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/planloop/internal/plan"
)

// SocketDir creates a temporary directory for unix sockets. Paths under
// t.TempDir can exceed the 108-byte sun_path limit, so this uses a short
// prefix directly under the system temp directory. The directory is removed
// when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "pl")
	if err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// WriteAgent writes an executable /bin/sh script standing in for the
// coding agent and returns its path. body is the script without the
// shebang line.
func WriteAgent(t *testing.T, dir, body string) string {
	t.Helper()
	SkipIfNoShell(t)

	if dir == "" {
		dir = t.TempDir()
	}
	path := filepath.Join(dir, "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("failed to write agent script: %v", err)
	}
	return path
}

// WritePlan writes a plan state document to path and returns path.
func WritePlan(t *testing.T, path string, currentPhase plan.Label, tasks []plan.Task) string {
	t.Helper()

	data, err := json.Marshal(map[string]any{"currentPhase": currentPhase, "tasks": tasks})
	if err != nil {
		t.Fatalf("failed to encode plan: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create plan directory: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write plan: %v", err)
	}
	return path
}

// WaitFor polls cond every 10ms until it returns true, failing the test
// after timeout.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SkipIfNoShell skips the test if /bin/sh is not available.
func SkipIfNoShell(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}
