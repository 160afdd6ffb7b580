// Package registry keeps the shared record of orchestrator instances.
//
// The registry is one JSON document with a sibling lock file. Every mutation
// runs read-modify-write under an exclusive flock(2), so mutations from all
// processes on the host are linearized. Reads take no lock and always see
// the last fully written document, since writes replace the file by rename.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/logging"
)

// Options tunes a Registry. Zero values fall back to the config defaults.
type Options struct {
	// StaleThreshold is the heartbeat age after which a running record is stale.
	StaleThreshold time.Duration
	// LockTimeout bounds how long a mutation waits for the lock.
	LockTimeout time.Duration
	// GraceMultiplier scales StaleThreshold for stopping, stopped and
	// crashed records so they stay visible a little longer.
	GraceMultiplier float64
	Logger          *logging.Logger

	// Now and IsAlive replace the clock and the pid probe in tests.
	Now     func() time.Time
	IsAlive func(pid int) bool
}

// Registry is a handle on one registry document. It is safe for concurrent
// use; separate Registry values and separate processes coordinate through
// the lock file.
type Registry struct {
	path     string
	lockPath string
	opts     Options
	logger   *logging.Logger

	// mu serializes mutations within this process so goroutines queue on a
	// mutex instead of spinning on the file lock.
	mu sync.Mutex
}

// New returns a Registry for the document at path. The lock file lives next
// to it with a .lock extension.
func New(path string, opts Options) *Registry {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 30 * time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.GraceMultiplier < 1 {
		opts.GraceMultiplier = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IsAlive == nil {
		opts.IsAlive = ProcessAlive
	}

	abs := NormalizePath(path)
	return &Registry{
		path:     abs,
		lockPath: strings.TrimSuffix(abs, filepath.Ext(abs)) + ".lock",
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).WithComponent("registry"),
	}
}

// Path returns the registry document path.
func (r *Registry) Path() string { return r.path }

// LockPath returns the sibling lock file path.
func (r *Registry) LockPath() string { return r.lockPath }

// StaleThreshold returns the configured heartbeat staleness threshold.
func (r *Registry) StaleThreshold() time.Duration { return r.opts.StaleThreshold }

// -----------------------------------------------------------------------------
// Liveness
// -----------------------------------------------------------------------------

func (r *Registry) isFresh(inst Instance, threshold time.Duration) bool {
	return r.opts.Now().Sub(inst.LastHeartbeat) <= threshold
}

// gracePeriod is how long records that are no longer running are kept.
func (r *Registry) gracePeriod(threshold time.Duration) time.Duration {
	return time.Duration(float64(threshold) * r.opts.GraceMultiplier)
}

// isDefunct reports whether a record that is not healthy can be dropped when
// its plan is registered again: running records always (their process died
// or stopped heartbeating), and stopping, stopped or crashed records once
// their process is gone or they are older than grace.
func (r *Registry) isDefunct(inst Instance, grace time.Duration) bool {
	if inst.Status == StatusRunning {
		return true
	}
	return !r.opts.IsAlive(inst.PID) || !r.isFresh(inst, grace)
}

// IsHealthy reports whether inst is running, its process is alive and its
// heartbeat is within the stale threshold.
func (r *Registry) IsHealthy(inst Instance) bool {
	return inst.Status == StatusRunning &&
		r.opts.IsAlive(inst.PID) &&
		r.isFresh(inst, r.opts.StaleThreshold)
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// load reads the document. A missing or unparsable document is an empty
// registry.
func (r *Registry) load() Document {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to read registry, treating as empty", "path", r.path, "error", err.Error())
		}
		return Document{}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("corrupt registry document, treating as empty", "path", r.path, "error", err.Error())
		return Document{}
	}
	return doc
}

// save writes the document atomically: temp file in the same directory,
// fsync, rename over the target.
func (r *Registry) save(doc Document) error {
	if doc.Instances == nil {
		doc.Instances = []Instance{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".orchestrators-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// errNoChange lets a mutation skip the write.
var errNoChange = errors.New("no change")

// mutate runs fn on the current document while holding both the in-process
// mutex and the cross-process lock, then persists the result. fn returning
// errNoChange skips the write; any other error aborts it and is returned.
func (r *Registry) mutate(ctx context.Context, op string, sc scope, fn func(*Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return sc.annotate(errors.NewRegistryError("create registry directory", err).WithPath(r.path))
	}

	lock := newFileLock(r.lockPath)
	if err := lock.acquire(ctx, r.opts.LockTimeout); err != nil {
		return sc.annotate(errors.NewRegistryError(op+": acquire lock", err).WithPath(r.lockPath))
	}
	defer func() {
		if err := lock.release(); err != nil {
			r.logger.Warn("failed to release registry lock", "error", err.Error())
		}
	}()

	doc := r.load()
	if err := fn(&doc); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}

	if err := r.save(doc); err != nil {
		return sc.annotate(errors.NewRegistryError(op+": write document", err).WithPath(r.path))
	}
	return nil
}

// scope names the record a mutation is about, for error context.
type scope struct {
	instanceID string
	planPath   string
}

func (sc scope) annotate(err *errors.RegistryError) *errors.RegistryError {
	if sc.instanceID != "" {
		err = err.WithInstanceID(sc.instanceID)
	}
	if sc.planPath != "" {
		err = err.WithPlanPath(sc.planPath)
	}
	return err
}

// -----------------------------------------------------------------------------
// Mutations
// -----------------------------------------------------------------------------

// Register adds inst to the registry. It fails with a DuplicatePlanError if
// another record for the same plan is running, alive and fresh. Stale or
// dead records for that plan are purged in the same critical section.
func (r *Registry) Register(ctx context.Context, inst Instance) error {
	if inst.ID == "" {
		return errors.NewValidationError("instance id must not be empty").WithField("id")
	}
	inst.PlanPath = NormalizePath(inst.PlanPath)
	inst.WorktreePath = NormalizePath(inst.WorktreePath)
	if inst.Status == "" {
		inst.Status = StatusRunning
	}
	now := r.opts.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.LastHeartbeat.IsZero() {
		inst.LastHeartbeat = now
	}

	grace := r.gracePeriod(r.opts.StaleThreshold)
	var purged []string
	err := r.mutate(ctx, "register", scope{instanceID: inst.ID, planPath: inst.PlanPath}, func(doc *Document) error {
		kept := doc.Instances[:0:0]
		for _, existing := range doc.Instances {
			if existing.ID == inst.ID {
				continue
			}
			if existing.PlanPath != inst.PlanPath {
				kept = append(kept, existing)
				continue
			}
			if r.IsHealthy(existing) {
				return errors.NewDuplicatePlanError(inst.PlanPath, existing.ID, existing.PID)
			}
			if r.isDefunct(existing, grace) {
				purged = append(purged, existing.ID)
				continue
			}
			kept = append(kept, existing)
		}
		doc.Instances = append(kept, inst)
		return nil
	})
	if err != nil {
		return err
	}

	log := r.logger.WithInstance(inst.ID).WithPlan(inst.PlanPath)
	if len(purged) > 0 {
		log.Info("purged stale instances for plan", "removed", purged)
	}
	log.Info("instance registered", "pid", inst.PID)
	return nil
}

// Unregister removes the record with the given id. Unknown ids are a no-op.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	return r.mutate(ctx, "unregister", scope{instanceID: id}, func(doc *Document) error {
		i := doc.indexOf(id)
		if i < 0 {
			return errNoChange
		}
		doc.Instances = append(doc.Instances[:i], doc.Instances[i+1:]...)
		return nil
	})
}

// UpdateHeartbeat sets the record's last heartbeat to now. Unknown ids are
// a no-op.
func (r *Registry) UpdateHeartbeat(ctx context.Context, id string) error {
	return r.mutate(ctx, "heartbeat", scope{instanceID: id}, func(doc *Document) error {
		i := doc.indexOf(id)
		if i < 0 {
			return errNoChange
		}
		doc.Instances[i].LastHeartbeat = r.opts.Now()
		return nil
	})
}

// UpdateStatus sets the record's status. Unknown ids are a no-op.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return errors.NewValidationError("unknown instance status").WithField("status").WithValue(status)
	}
	return r.mutate(ctx, "update status", scope{instanceID: id}, func(doc *Document) error {
		i := doc.indexOf(id)
		if i < 0 {
			return errNoChange
		}
		doc.Instances[i].Status = status
		return nil
	})
}

// SetSocketPath records the IPC endpoint of an instance. Unknown ids are a
// no-op.
func (r *Registry) SetSocketPath(ctx context.Context, id, socketPath string) error {
	return r.mutate(ctx, "set socket path", scope{instanceID: id}, func(doc *Document) error {
		i := doc.indexOf(id)
		if i < 0 {
			return errNoChange
		}
		doc.Instances[i].SocketPath = socketPath
		return nil
	})
}

// CleanupStale removes running records whose process is dead or whose
// heartbeat is older than threshold, and stopping, stopped or crashed
// records older than threshold times the grace multiplier. A non-positive
// threshold uses the configured one. It returns the removed ids and records
// the cleanup time. Calling it again without state changes removes nothing.
func (r *Registry) CleanupStale(ctx context.Context, threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		threshold = r.opts.StaleThreshold
	}
	grace := r.gracePeriod(threshold)

	var removed []string
	err := r.mutate(ctx, "cleanup", scope{}, func(doc *Document) error {
		kept := doc.Instances[:0:0]
		for _, inst := range doc.Instances {
			var stale bool
			if inst.Status == StatusRunning {
				stale = !r.opts.IsAlive(inst.PID) || !r.isFresh(inst, threshold)
			} else {
				stale = !r.isFresh(inst, grace)
			}
			if stale {
				removed = append(removed, inst.ID)
				continue
			}
			kept = append(kept, inst)
		}
		doc.Instances = kept
		now := r.opts.Now()
		doc.LastCleanup = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		r.logger.Info("removed stale instances", "removed", removed)
	}
	return removed, nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Document returns the current registry document.
func (r *Registry) Document() Document {
	return r.load()
}

// Get returns the record with the given id.
func (r *Registry) Get(id string) (Instance, bool) {
	doc := r.load()
	if i := doc.indexOf(id); i >= 0 {
		return doc.Instances[i], true
	}
	return Instance{}, false
}

// All returns every record in registration order.
func (r *Registry) All() []Instance {
	return r.load().Instances
}

// Running returns records whose status is running and whose process is alive.
func (r *Registry) Running() []Instance {
	return r.filter(func(inst Instance) bool {
		return inst.Status == StatusRunning && r.opts.IsAlive(inst.PID)
	})
}

// ByPlan returns records for the given plan path.
func (r *Registry) ByPlan(planPath string) []Instance {
	want := NormalizePath(planPath)
	return r.filter(func(inst Instance) bool { return inst.PlanPath == want })
}

// ByWorktree returns records for the given worktree path.
func (r *Registry) ByWorktree(worktreePath string) []Instance {
	want := NormalizePath(worktreePath)
	return r.filter(func(inst Instance) bool { return want != "" && inst.WorktreePath == want })
}

func (r *Registry) filter(keep func(Instance) bool) []Instance {
	var out []Instance
	for _, inst := range r.load().Instances {
		if keep(inst) {
			out = append(out, inst)
		}
	}
	return out
}
