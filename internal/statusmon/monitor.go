// Package statusmon watches a plan state document and turns its rewrites
// into events.
//
// The document is written by an external tool. The monitor never modifies
// it; it reloads the file whenever its modification time advances, diffs the
// result against the previous snapshot and reports task and phase changes.
package statusmon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/planloop/internal/event"
	"github.com/Iron-Ham/planloop/internal/logging"
	"github.com/Iron-Ham/planloop/internal/plan"
)

const (
	defaultPollInterval = time.Second
	defaultDebounce     = 100 * time.Millisecond
	stopJoinTimeout     = 5 * time.Second
)

// Options configures a Monitor. All fields are optional.
type Options struct {
	// PollInterval is the mtime polling period when native notification is
	// unavailable or disabled.
	PollInterval time.Duration
	// UseFsnotify enables native file notification with polling as fallback.
	UseFsnotify bool
	// Debounce coalesces bursts of file events into one Check.
	Debounce time.Duration

	// Bus receives status_updated, task_changed and phase_changed events
	// through its queued path.
	Bus        event.Emitter
	InstanceID string

	// OnStatus is called with every successfully loaded document.
	OnStatus func(*plan.State)

	Logger *logging.Logger
}

// Monitor tracks one plan state document.
type Monitor struct {
	path   string
	opts   Options
	logger *logging.Logger

	checkMu sync.Mutex
	lastMod time.Time

	mu   sync.RWMutex
	last *plan.State

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	mode   string
}

// New creates a monitor for the document at path. Nothing is read until
// Check or Start.
func New(path string, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	return &Monitor{
		path:   path,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).WithComponent("statusmon").WithPlan(path),
	}
}

// Path returns the watched document path.
func (m *Monitor) Path() string { return m.path }

// Mode reports the active watch strategy: "fsnotify", "poll", or "" when
// the monitor is not running.
func (m *Monitor) Mode() string {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.mode
}

// Snapshot returns the most recently applied document, or nil before the
// first successful read.
func (m *Monitor) Snapshot() *plan.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Check reloads the document if its modification time advanced since the
// last successful read, and applies it. Missing or unparseable files count
// as "no change" and are retried on the next call. Check reports whether a
// new document was applied.
func (m *Monitor) Check() bool {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	info, err := os.Stat(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Debug("stat plan state failed", "error", err.Error())
		}
		return false
	}
	mod := info.ModTime()
	if !mod.After(m.lastMod) {
		return false
	}

	st, err := plan.Load(m.path)
	if err != nil {
		m.logger.Debug("plan state unreadable, will retry", "error", err.Error())
		return false
	}
	m.lastMod = mod
	m.Apply(st)
	return true
}

// Apply records st as the current snapshot and reports it: the OnStatus
// callback, a status_updated event, then one task_changed per task whose
// status differs from the previous snapshot and a phase_changed when the
// current phase moved. The first snapshot only produces status_updated.
func (m *Monitor) Apply(st *plan.State) {
	if st == nil {
		return
	}
	m.mu.Lock()
	prev := m.last
	m.last = st
	m.mu.Unlock()

	if m.opts.OnStatus != nil {
		m.opts.OnStatus(st)
	}

	if m.opts.Bus == nil {
		return
	}
	raw := st.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	m.emit(event.StatusUpdated, raw)

	if prev == nil {
		return
	}
	for _, ch := range Diff(prev, st) {
		m.emit(event.TaskChanged,
			event.TaskChangedData(ch.TaskID, string(ch.OldStatus), string(ch.NewStatus), ch.Description, string(ch.Phase)))
	}
	if prev.CurrentPhase != st.CurrentPhase {
		m.emit(event.PhaseChanged,
			event.PhaseChangedData(string(prev.CurrentPhase), string(st.CurrentPhase)))
	}
}

// emit queues an event for the bus's dispatch goroutine. The watch loop
// must not run subscribers itself.
func (m *Monitor) emit(t event.Type, data map[string]any) {
	if !m.opts.Bus.EmitQueued(t, data, m.opts.InstanceID) {
		m.logger.Warn("event not queued", "type", string(t))
	}
}

// TaskChange describes one task whose status moved between snapshots.
type TaskChange struct {
	TaskID      string
	OldStatus   plan.Status
	NewStatus   plan.Status
	Description string
	Phase       plan.Label
}

// Diff lists the tasks of next whose status differs from prev, in next's
// declaration order. Tasks new in next report an empty OldStatus; tasks
// that disappeared are ignored.
func Diff(prev, next *plan.State) []TaskChange {
	var before map[string]plan.Status
	if prev != nil {
		before = prev.StatusMap()
	}
	var changes []TaskChange
	for _, t := range next.Tasks {
		old, ok := before[t.ID]
		if ok && old == t.Status {
			continue
		}
		changes = append(changes, TaskChange{
			TaskID:      t.ID,
			OldStatus:   old,
			NewStatus:   t.Status,
			Description: t.Description,
			Phase:       t.Phase,
		})
	}
	return changes
}

// Start reads the baseline and launches the watch loop. With UseFsnotify
// the parent directory is watched (editors and atomic writers replace the
// file, which would drop a watch on the file itself); if the watcher cannot
// be created the monitor falls back to polling.
func (m *Monitor) Start(ctx context.Context) error {
	m.Check()

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	if m.opts.UseFsnotify {
		w, err := m.newWatcher()
		if err == nil {
			m.mode = "fsnotify"
			go m.watchLoop(ctx, w, m.done)
			m.logger.Info("monitoring plan state", "mode", m.mode)
			return nil
		}
		m.logger.Warn("file notification unavailable, polling instead", "error", err.Error())
	}

	m.mode = "poll"
	go m.pollLoop(ctx, m.done)
	m.logger.Info("monitoring plan state", "mode", m.mode, "interval", m.opts.PollInterval.String())
	return nil
}

func (m *Monitor) newWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func (m *Monitor) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

func (m *Monitor) watchLoop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer w.Close()

	name := filepath.Base(m.path)
	debounce := time.NewTimer(m.opts.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				m.fallbackToPoll(ctx)
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			debounce.Reset(m.opts.Debounce)

		case <-debounce.C:
			m.Check()

		case err, ok := <-w.Errors:
			if !ok {
				m.fallbackToPoll(ctx)
				return
			}
			m.logger.Warn("file watcher error", "error", err.Error())
			// An overflow can drop events; catch up immediately.
			m.Check()
		}
	}
}

// fallbackToPoll keeps monitoring on the watch goroutine after the native
// watcher closes underneath us.
func (m *Monitor) fallbackToPoll(ctx context.Context) {
	m.logger.Warn("file watcher closed, switching to polling")
	m.lifeMu.Lock()
	m.mode = "poll"
	m.lifeMu.Unlock()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Stop ends the watch loop and waits for it, up to a bounded timeout. The
// last snapshot stays available. Stop is idempotent.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lifeMu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		m.logger.Warn("monitor loop did not stop in time")
	}

	m.lifeMu.Lock()
	m.mode = ""
	m.lifeMu.Unlock()
}
