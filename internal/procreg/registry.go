// Package procreg keeps one on-disk record per logical browser profile so a
// later run can find, and if needed reclaim, the process an earlier run left
// behind. A profile directory must never be shared by two live browsers.
package procreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/chromewire/internal/config"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
	"github.com/roelfdiedericks/chromewire/internal/metrics"
	"github.com/roelfdiedericks/chromewire/internal/paths"
)

const (
	recordVersion = 1
	recordExt     = ".json"

	DefaultTerminateGrace = 5 * time.Second
	DefaultKillWait       = 5 * time.Second
	DefaultPollInterval   = 50 * time.Millisecond
)

// Record is the persisted state of one launch.
type Record struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	ProfileDir string    `json:"profileDir,omitempty"`
	LaunchID   string    `json:"launchId,omitempty"`
	Version    int       `json:"version"`
}

// Options tune termination waits. Zero values take the package defaults.
type Options struct {
	TerminateGrace time.Duration
	KillWait       time.Duration
	PollInterval   time.Duration
	Metrics        *metrics.Recorder
	Controller     Controller
}

// Registry is safe for concurrent use. Reconcile, RecordLaunch and Remove for
// the same name are serialized within the process; cross-process races are
// best-effort.
type Registry struct {
	dir  string
	opts Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New opens (creating if needed) a registry rooted at dir.
func New(dir string, opts Options) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("procreg: empty registry directory")
	}
	if err := paths.EnsureDir(dir); err != nil {
		return nil, err
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = DefaultTerminateGrace
	}
	if opts.KillWait <= 0 {
		opts.KillWait = DefaultKillWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Controller == nil {
		opts.Controller = SystemController()
	}
	return &Registry{dir: dir, opts: opts, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the registry directory.
func (r *Registry) Dir() string { return r.dir }

func (r *Registry) lock(id string) func() {
	r.mu.Lock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+recordExt)
}

// RecordLaunch persists pid as the current process for name, replacing any
// earlier record. Call Reconcile first; RecordLaunch does not check the old
// record.
func (r *Registry) RecordLaunch(name string, pid int, profileDir string) (Record, error) {
	id, err := EncodeName(name)
	if err != nil {
		return Record{}, err
	}
	if pid <= 0 {
		return Record{}, fmt.Errorf("procreg: invalid pid %d for %s", pid, name)
	}
	defer r.lock(id)()

	rec := Record{
		Name:       name,
		PID:        pid,
		Timestamp:  time.Now().UTC(),
		ProfileDir: profileDir,
		LaunchID:   uuid.NewString(),
		Version:    recordVersion,
	}
	if err := config.AtomicWriteJSON(r.path(id), rec, 0600); err != nil {
		return Record{}, fmt.Errorf("procreg: write record %s: %w", name, err)
	}
	r.opts.Metrics.IncrementCounter("procreg", "recorded")
	L_debug("procreg: recorded launch", "name", name, "pid", pid, "launchId", rec.LaunchID)
	return rec, nil
}

// Reconcile resolves any earlier record for name before a new browser is
// launched under it. It returns true when a live process had to be stopped.
// A process that survives SIGKILL yields a *LifecycleError and the record is
// kept, so the next attempt sees it again.
func (r *Registry) Reconcile(ctx context.Context, name string) (bool, error) {
	id, err := EncodeName(name)
	if err != nil {
		return false, err
	}
	defer r.lock(id)()

	start := time.Now()
	defer r.opts.Metrics.Since("procreg", "reconcile", start)

	rec, err := r.read(id)
	if errors.Is(err, ErrNoRecord) {
		r.opts.Metrics.RecordOutcome("procreg", "reconcile", "none")
		return false, nil
	}
	if err != nil {
		r.opts.Metrics.RecordOutcome("procreg", "reconcile", "failed")
		return false, &LifecycleError{Op: "reconcile", Name: name, Err: err}
	}

	ctrl := r.opts.Controller
	if !ctrl.Alive(rec.PID) {
		L_debug("procreg: previous process gone", "name", name, "pid", rec.PID)
		r.opts.Metrics.RecordOutcome("procreg", "reconcile", "dead")
		return false, r.remove(id)
	}
	if r.reused(rec) {
		L_warn("procreg: pid reused by an unrelated process, not touching it", "name", name, "pid", rec.PID)
		r.opts.Metrics.RecordOutcome("procreg", "reconcile", "reused")
		return false, r.remove(id)
	}

	L_info("procreg: stopping stale browser", "name", name, "pid", rec.PID, "since", rec.Timestamp.Format(time.RFC3339))
	if err := r.stop(ctx, rec); err != nil {
		r.opts.Metrics.RecordOutcome("procreg", "reconcile", "failed")
		return false, err
	}
	r.opts.Metrics.RecordOutcome("procreg", "reconcile", "killed")
	return true, r.remove(id)
}

// stop escalates SIGTERM to SIGKILL. Each step waits a bounded interval.
func (r *Registry) stop(ctx context.Context, rec Record) error {
	ctrl := r.opts.Controller
	fail := func(op string, err error) error {
		return &LifecycleError{Op: op, Name: rec.Name, PID: rec.PID, Err: err}
	}

	if err := ctrl.Terminate(rec.PID); err != nil {
		L_warn("procreg: terminate failed, escalating", "pid", rec.PID, "error", err)
	} else if r.waitExit(ctx, rec.PID, r.opts.TerminateGrace) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fail("reconcile", err)
	}

	L_warn("procreg: process ignored terminate, killing", "name", rec.Name, "pid", rec.PID)
	if err := ctrl.Kill(rec.PID); err != nil {
		return fail("kill", err)
	}
	if r.waitExit(ctx, rec.PID, r.opts.KillWait) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fail("reconcile", err)
	}
	return fail("kill", fmt.Errorf("still alive %s after kill", r.opts.KillWait))
}

// WaitExit polls until pid is gone, d elapses or ctx ends.
func (r *Registry) WaitExit(ctx context.Context, pid int, d time.Duration) bool {
	return r.waitExit(ctx, pid, d)
}

func (r *Registry) waitExit(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(r.opts.PollInterval)
	defer tick.Stop()

	for {
		if !r.opts.Controller.Alive(pid) {
			return true
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return !r.opts.Controller.Alive(pid)
		case <-ctx.Done():
			return false
		}
	}
}

// reused reports whether the recorded pid now belongs to a process that has
// nothing to do with the profile.
func (r *Registry) reused(rec Record) bool {
	if rec.ProfileDir == "" {
		return false
	}
	cmdline, err := r.opts.Controller.CommandLine(rec.PID)
	if err != nil {
		return false
	}
	return !strings.Contains(cmdline, rec.ProfileDir)
}

// Alive reports whether rec still describes a running browser.
func (r *Registry) Alive(rec Record) bool {
	return r.opts.Controller.Alive(rec.PID) && !r.reused(rec)
}

// Info returns the record for name, or ErrNoRecord.
func (r *Registry) Info(name string) (Record, error) {
	id, err := EncodeName(name)
	if err != nil {
		return Record{}, err
	}
	rec, err := r.read(id)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", name, err)
	}
	return rec, nil
}

// List returns every readable record, sorted by name.
func (r *Registry) List() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("procreg: read %s: %w", r.dir, err)
	}

	var out []Record
	for _, e := range entries {
		fname := e.Name()
		if e.IsDir() || !strings.HasSuffix(fname, recordExt) {
			continue
		}
		id := strings.TrimSuffix(fname, recordExt)
		if _, err := DecodeName(id); err != nil {
			L_debug("procreg: skipping foreign file", "file", fname)
			continue
		}
		rec, err := r.read(id)
		if err != nil {
			L_warn("procreg: unreadable record", "file", fname, "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListActive returns the records whose process is still running.
func (r *Registry) ListActive() ([]Record, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, rec := range all {
		if r.Alive(rec) {
			active = append(active, rec)
		}
	}
	return active, nil
}

// SweepOrphans deletes every record whose process is gone. Live processes are
// never signalled. It returns the names removed.
func (r *Registry) SweepOrphans() ([]string, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs []error
	for _, rec := range all {
		id, err := EncodeName(rec.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		unlock := r.lock(id)
		// Re-read under the lock; a launch may have replaced it meanwhile.
		cur, err := r.read(id)
		if err == nil && !r.Alive(cur) {
			if err = r.remove(id); err == nil {
				removed = append(removed, rec.Name)
			}
		}
		unlock()
		if err != nil && !errors.Is(err, ErrNoRecord) {
			errs = append(errs, err)
		}
	}
	if len(removed) > 0 {
		r.opts.Metrics.AddCounter("procreg", "swept", int64(len(removed)))
		L_info("procreg: swept orphaned records", "count", len(removed))
	}
	return removed, errors.Join(errs...)
}

// Remove deletes the record for name. A missing record is not an error.
func (r *Registry) Remove(name string) error {
	id, err := EncodeName(name)
	if err != nil {
		return err
	}
	defer r.lock(id)()
	return r.remove(id)
}

// RemoveOwned deletes the record for name only while it still names pid, so
// a process that was replaced by a later launch cannot drop its successor's
// record.
func (r *Registry) RemoveOwned(name string, pid int) error {
	id, err := EncodeName(name)
	if err != nil {
		return err
	}
	defer r.lock(id)()

	rec, err := r.read(id)
	if errors.Is(err, ErrNoRecord) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.PID != pid {
		L_debug("procreg: record belongs to a newer launch, keeping it", "name", name, "pid", pid, "current", rec.PID)
		return nil
	}
	return r.remove(id)
}

func (r *Registry) remove(id string) error {
	if err := os.Remove(r.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("procreg: remove record: %w", err)
	}
	return nil
}

func (r *Registry) read(id string) (Record, error) {
	data, err := os.ReadFile(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("procreg: read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("procreg: corrupt record %s: %w", id, err)
	}
	if rec.PID <= 0 {
		return Record{}, fmt.Errorf("procreg: record %s has no pid", id)
	}
	if name, err := DecodeName(id); err == nil && rec.Name != name {
		// The file name is authoritative.
		rec.Name = name
	}
	return rec, nil
}
