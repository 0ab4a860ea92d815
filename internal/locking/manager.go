// Package locking provides named advisory locks over the filesystem.
// Acquisition is an exclusive file create; the file carries holder metadata
// so waiters can spot crashed or overdue holders and force-expire them, and
// so the deadlock detector knows who waits on whom. Locks are scoped to one
// state directory: pipelines on different checkouts never contend.
package locking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/fsutil"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/logging"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/proctree"
)

// Lock names reserved by the pipeline itself.
const (
	// PipelineLock serializes queue processors: whoever holds it is the
	// single active processor for the scope.
	PipelineLock = "pipeline"

	// LogLock serializes appends to run logs.
	LogLock = "logs"
)

const lockSuffix = ".lock"

// Options configures a Manager.
type Options struct {
	Dir           string        // lock directory, created if missing
	Scope         string        // short checkout hash recorded in holder metadata
	Timeout       time.Duration // max wait in Acquire
	MaxHold       time.Duration // holder age beyond which a lock is stale
	RetryInterval time.Duration // base poll cadence while blocked
	Recorder      core.EdgeRecorder
	Logger        *logging.Logger
}

// Manager hands out named locks under one directory.
type Manager struct {
	dir           string
	scope         string
	hostname      string
	timeout       time.Duration
	maxHold       time.Duration
	retryInterval time.Duration
	recorder      core.EdgeRecorder
	log           *logging.Logger

	mu        sync.Mutex
	held      map[string]*fileLease
	inherited map[string]bool
}

// NewManager creates a manager and its lock directory.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, core.ErrValidation("lock directory cannot be empty")
	}
	if err := fsutil.EnsureDir(opts.Dir); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxHold <= 0 {
		opts.MaxHold = 15 * time.Minute
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	hostname, _ := os.Hostname()
	return &Manager{
		dir:           opts.Dir,
		scope:         opts.Scope,
		hostname:      hostname,
		timeout:       opts.Timeout,
		maxHold:       opts.MaxHold,
		retryInterval: opts.RetryInterval,
		recorder:      opts.Recorder,
		log:           opts.Logger,
		held:          make(map[string]*fileLease),
		inherited:     inheritedLocks(),
	}, nil
}

// Held reports whether this process already holds the named lock, directly
// or inherited from a parent pipeline.
func (m *Manager) Held(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[name] != nil || m.inherited[name]
}

// HeldNames returns the locks this process holds directly, sorted.
func (m *Manager) HeldNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Acquire blocks until the named lock is held, the timeout passes or a
// deadlock is detected. Re-entrant acquires return a nested no-op lease
// immediately.
func (m *Manager) Acquire(ctx context.Context, name string) (core.Lease, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if m.Held(name) {
		return &nestedLease{name: name}, nil
	}

	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	path := m.path(name)
	log := m.log.WithLock(name)
	started := time.Now()
	lastHolder := 0

	for {
		lease, err := m.tryAcquire(name, path)
		if err != nil {
			m.unblock(name)
			return nil, err
		}
		if lease != nil {
			m.unblock(name)
			log.Debug("lock acquired", "waited", time.Since(started).Round(time.Millisecond))
			return lease, nil
		}

		holder, err := readHolder(path)
		if err != nil {
			// Holder released between our create attempt and the read;
			// loop around and try again right away.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			m.unblock(name)
			return nil, fmt.Errorf("reading lock holder: %w", err)
		}

		if age, stale := m.stale(holder); stale {
			m.expire(name, path, holder, age)
			continue
		}

		if holder.PID > 0 && m.recorder != nil {
			if derr := m.recorder.BlockOn(ctx, name, holder.PID); derr != nil {
				// The detector already dropped our wait edge.
				return nil, derr
			}
		}
		lastHolder = holder.PID

		if time.Now().After(deadline) {
			m.unblock(name)
			return nil, core.ErrLockTimeout(name, lastHolder, time.Since(started))
		}

		select {
		case <-ctx.Done():
			m.unblock(name)
			return nil, ctx.Err()
		case <-time.After(m.jitteredInterval()):
		}
	}
}

// tryAcquire attempts the exclusive create. Returns a nil lease when the
// lock is already held by someone else.
func (m *Manager) tryAcquire(name, path string) (*fileLease, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("creating lock file: %w", err)
	}

	now := time.Now().UTC()
	holder := Holder{
		Name:       name,
		PID:        os.Getpid(),
		Hostname:   m.hostname,
		Scope:      m.scope,
		AcquiredAt: now,
		MaxHoldMS:  m.maxHold.Milliseconds(),
	}
	if pgid, err := proctree.GroupOf(int32(os.Getpid())); err == nil {
		holder.PGID = int(pgid)
	}

	data, err := json.Marshal(holder)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("writing lock holder: %w", err)
	}

	lease := &fileLease{manager: m, name: name, acquiredAt: now}
	m.mu.Lock()
	m.held[name] = lease
	m.mu.Unlock()
	return lease, nil
}

// stale judges a holder: overdue past its max hold, or recorded by a local
// process that no longer exists. Liveness only counts for holders on this
// host.
func (m *Manager) stale(h *Holder) (time.Duration, bool) {
	age := h.Age()
	maxHold := m.maxHold
	if h.MaxHoldMS > 0 {
		maxHold = time.Duration(h.MaxHoldMS) * time.Millisecond
	}
	if age > maxHold {
		return age, true
	}
	if h.PID > 0 && (h.Hostname == "" || h.Hostname == m.hostname) {
		if exists, err := process.PidExists(int32(h.PID)); err == nil && !exists {
			return age, true
		}
	}
	return age, false
}

// expire removes a stale lock file. The holder is re-read first to shrink
// the window against a concurrent expire-and-retake; the O_EXCL create after
// removal decides the winner either way.
func (m *Manager) expire(name, path string, judged *Holder, age time.Duration) {
	current, err := readHolder(path)
	if err != nil {
		return
	}
	if current.PID != judged.PID || !current.AcquiredAt.Equal(judged.AcquiredAt) {
		return
	}
	m.log.WithLock(name).Warn("force-expiring stale lock",
		"holder_pid", judged.PID,
		"holder_host", judged.Hostname,
		"age", age.Round(time.Second),
		"error", core.ErrLockExpired(name, judged.PID, age))
	_ = os.Remove(path)
}

// release is called by fileLease.Release.
func (m *Manager) release(lease *fileLease) error {
	m.mu.Lock()
	if m.held[lease.name] == lease {
		delete(m.held, lease.name)
	}
	m.mu.Unlock()

	path := m.path(lease.name)
	holder, err := readHolder(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Force-expired while we held it; nothing left to remove.
			m.log.WithLock(lease.name).Warn("lock file already gone at release")
			return nil
		}
		return fmt.Errorf("reading lock at release: %w", err)
	}
	if holder.PID != os.Getpid() {
		// Expired and retaken; the new owner keeps it.
		m.log.WithLock(lease.name).Warn("lock retaken by another process; not removing",
			"holder_pid", holder.PID)
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// Inspect returns the holder of a lock, or nil when it is free.
func (m *Manager) Inspect(name string) (*Holder, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	holder, err := readHolder(m.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return holder, nil
}

// List returns the holders of every lock in the directory.
func (m *Manager) List() ([]*Holder, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var holders []*Holder
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), lockSuffix)
		holder, err := readHolder(m.path(name))
		if err != nil {
			continue
		}
		if holder.Name == "" {
			holder.Name = name
		}
		holders = append(holders, holder)
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].Name < holders[j].Name })
	return holders, nil
}

// ForceRelease removes a lock file regardless of holder. For operator use.
func (m *Manager) ForceRelease(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(m.path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	m.mu.Lock()
	delete(m.held, name)
	m.mu.Unlock()
	return nil
}

func (m *Manager) unblock(name string) {
	if m.recorder != nil {
		m.recorder.Unblock(name)
	}
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name+lockSuffix)
}

// jitteredInterval spreads waiters between 0.5x and 1.5x of the retry
// interval so they do not stampede a released lock in step.
func (m *Manager) jitteredInterval() time.Duration {
	return m.retryInterval/2 + rand.N(m.retryInterval)
}

func validName(name string) error {
	if name == "" {
		return core.ErrValidation("lock name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return core.ErrValidation(fmt.Sprintf("invalid lock name %q", name))
	}
	return nil
}

var _ core.Locker = (*Manager)(nil)
