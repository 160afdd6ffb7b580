package runner

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/planloop/internal/config"
	"github.com/Iron-Ham/planloop/internal/event"
	"github.com/Iron-Ham/planloop/internal/testutil"
)

// fakeAgent writes an executable shell script that stands in for the coding
// agent and returns its path.
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	return testutil.WriteAgent(t, "", body)
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(t event.Type, data map[string]any, instanceID string) event.Event {
	e := event.New(t, data, instanceID)
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return e
}

func (r *recorder) EmitQueued(t event.Type, data map[string]any, instanceID string) bool {
	r.Emit(t, data, instanceID)
	return true
}

const sessionStream = `cat <<'JSON'
{"type":"system","subtype":"init","session_id":"sess-42"}
this line is not json
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"go test ./... && echo all good","opts":{"x":1},"files":["a","b"],"timeout":30}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"ok","is_error":false}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_unknown","content":"?"}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_2","name":"Edit","input":{"file_path":"main.go"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_2","content":"denied","is_error":true}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"Task 1.1 done."}]}}
{"type":"result","subtype":"success","result":"Task 1.1 done.","total_cost_usd":0.25,"num_turns":4,"session_id":"sess-42","is_error":false}
JSON`

func TestRunner_ToolLifecycle(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	agent := fakeAgent(t, `printf '%s\n' "$@" > `+argsFile+"\n"+sessionStream)

	rec := &recorder{}
	r := New(Config{Command: agent, SkipPermissions: true, ExtraArgs: []string{"--model", "x"}, SummaryMaxChars: 10},
		Options{Bus: rec, InstanceID: "inst-1"})

	var calls []string
	var ends []bool
	res := r.Run(context.Background(), "do the thing", Callbacks{
		OnText:      func(s string) { calls = append(calls, "text:"+s) },
		OnToolStart: func(tool ActiveTool) { calls = append(calls, "start:"+tool.Name) },
		OnToolEnd: func(tool ActiveTool, d time.Duration, ok bool) {
			calls = append(calls, "end:"+tool.Name)
			ends = append(ends, ok)
		},
	})

	if !res.Success {
		t.Fatalf("Run() failed: %+v", res)
	}
	if res.SessionID != "sess-42" || res.CostUSD != 0.25 || res.NumTurns != 4 || res.ExitCode != 0 {
		t.Errorf("result metadata = %+v", res)
	}
	if res.Output != "Task 1.1 done." {
		t.Errorf("Output = %q, final result should not be duplicated", res.Output)
	}

	wantCalls := []string{"start:Bash", "end:Bash", "start:Edit", "end:Edit", "text:Task 1.1 done."}
	if !reflect.DeepEqual(calls, wantCalls) {
		t.Errorf("callbacks = %v, want %v", calls, wantCalls)
	}
	if !reflect.DeepEqual(ends, []bool{true, false}) {
		t.Errorf("tool success flags = %v", ends)
	}
	if n := len(r.ActiveTools()); n != 0 {
		t.Errorf("ActiveTools after Run = %d, want 0", n)
	}

	var types []event.Type
	for _, e := range rec.events {
		types = append(types, e.Type)
		if e.InstanceID != "inst-1" {
			t.Errorf("event %s instance = %q", e.Type, e.InstanceID)
		}
	}
	wantTypes := []event.Type{event.ToolStarted, event.ToolCompleted, event.ToolStarted, event.ToolCompleted}
	if !reflect.DeepEqual(types, wantTypes) {
		t.Fatalf("events = %v, want %v", types, wantTypes)
	}
	input, _ := rec.events[0].Data["input"].(map[string]any)
	if input["command"] != "go test ./..." || input["opts"] != "<object>" || input["files"] != "<array>" {
		t.Errorf("summarized input = %v", input)
	}
	if rec.events[3].Data["success"] != false {
		t.Errorf("tool_completed success = %v, want false", rec.events[3].Data["success"])
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	gotArgs := strings.Split(strings.TrimSpace(string(data)), "\n")
	wantArgs := []string{"-p", "do the thing", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions", "--model", "x"}
	if !reflect.DeepEqual(gotArgs, wantArgs) {
		t.Errorf("argv = %q, want %q", gotArgs, wantArgs)
	}
}

func TestRunner_ResultAppendedWhenNew(t *testing.T) {
	agent := fakeAgent(t, `cat <<'JSON'
{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}
{"type":"result","result":"summary line","is_error":false}
JSON`)

	res := New(Config{Command: agent}, Options{}).Run(context.Background(), "p", Callbacks{})
	if res.Output != "working\nsummary line" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestRunner_Failures(t *testing.T) {
	tests := []struct {
		name      string
		command   func(t *testing.T) string
		wantCode  int
		wantError string
	}{
		{
			name: "non-zero exit",
			command: func(t *testing.T) string {
				return fakeAgent(t, `echo "rate limited" >&2; exit 3`)
			},
			wantCode:  3,
			wantError: "rate limited",
		},
		{
			name: "error result",
			command: func(t *testing.T) string {
				return fakeAgent(t, `echo '{"type":"result","result":"nope","is_error":true}'`)
			},
			wantCode:  0,
			wantError: "error result",
		},
		{
			name: "spawn failure",
			command: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "missing-agent")
			},
			wantCode:  -1,
			wantError: "start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(Config{Command: tt.command(t)}, Options{}).Run(context.Background(), "p", Callbacks{})
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if !strings.Contains(res.Error, tt.wantError) {
				t.Errorf("Error = %q, want it to contain %q", res.Error, tt.wantError)
			}
		})
	}
}

func TestRunner_Timeout(t *testing.T) {
	agent := fakeAgent(t, `echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{}}]}}'
sleep 30`)

	r := New(Config{Command: agent, Timeout: 200 * time.Millisecond, StopGrace: 500 * time.Millisecond}, Options{})
	start := time.Now()
	res := r.Run(context.Background(), "p", Callbacks{})

	if !res.TimedOut || res.Success {
		t.Errorf("result = %+v, want timed out failure", res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run took %v after timeout", elapsed)
	}
	if len(r.ActiveTools()) != 0 {
		t.Error("active tools should be cleared after a timeout")
	}
}

func TestRunner_Stop(t *testing.T) {
	agent := fakeAgent(t, `sleep 30`)
	r := New(Config{Command: agent, StopGrace: 500 * time.Millisecond}, Options{})

	r.Stop() // no session: no-op

	results := make(chan Result, 1)
	go func() { results <- r.Run(context.Background(), "p", Callbacks{}) }()

	deadline := time.Now().Add(5 * time.Second)
	for !r.Running() {
		if time.Now().After(deadline) {
			t.Fatal("session never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Stop()

	select {
	case res := <-results:
		if !res.Stopped || res.Success {
			t.Errorf("result = %+v, want stopped failure", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if r.Running() {
		t.Error("Running should be false after Run returns")
	}
}

func TestSummarizeInput(t *testing.T) {
	got := SummarizeInput(map[string]any{
		"short":  "ls",
		"long":   "abcdefghijkl",
		"obj":    map[string]any{"k": "v"},
		"list":   []any{1, 2},
		"number": 3.0,
		"flag":   true,
	}, 5)

	want := map[string]any{
		"short":  "ls",
		"long":   "abcde...",
		"obj":    "<object>",
		"list":   "<array>",
		"number": 3.0,
		"flag":   true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SummarizeInput() = %v, want %v", got, want)
	}
}

func TestFromConfig(t *testing.T) {
	rc := config.Default().Runner
	cfg := FromConfig(rc, "/work")

	if cfg.Command != "claude" || cfg.WorkDir != "/work" || !cfg.SkipPermissions {
		t.Errorf("FromConfig() = %+v", cfg)
	}
	if cfg.Timeout != 30*time.Minute || cfg.StopGrace != 5*time.Second {
		t.Errorf("durations = %v / %v", cfg.Timeout, cfg.StopGrace)
	}

	cfg.SkipPermissions = false
	if args := cfg.Args("x"); len(args) != 5 {
		t.Errorf("Args without skip = %v", args)
	}
}

func TestTailBuffer(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   string
	}{
		{"empty", nil, ""},
		{"under capacity", []string{"abc"}, "abc"},
		{"exactly full", []string{"abcde"}, "abcde"},
		{"wraps", []string{"abc", "defg"}, "cdefg"},
		{"oversized write", []string{"ab", "0123456789"}, "56789"},
		{"many small", []string{"a", "b", "c", "d", "e", "f"}, "bcdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTailBuffer(5)
			for _, w := range tt.writes {
				if n, err := b.Write([]byte(w)); err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := b.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
