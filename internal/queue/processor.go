// Package queue runs jobs one at a time in enqueue order. A single
// processor per scope claims queued runs from the store and hands them to
// the executor; exclusivity across processes comes from the pipeline lock.
// Pause and stop requests arrive through control files so any process can
// steer a running processor.
package queue

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/diagnostics"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/fsutil"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/locking"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/logging"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/proctree"
)

// startLockWait bounds how long a starting processor waits for the
// pipeline lock. The lock is held for the processor's whole lifetime, so
// a wait this short only ever loses to a dying processor's release.
const startLockWait = 5 * time.Second

// defaultRecentRuns caps the finished-run history in Status.
const defaultRecentRuns = 5

// Runner executes one job attempt chain to a terminal state.
type Runner interface {
	Execute(ctx context.Context, job *core.Job, rec *core.RunRecord) (*core.RunRecord, error)
}

// Options configures a Processor.
type Options struct {
	// PollInterval is the idle claim cadence. Control-file changes wake
	// the loop early when the watcher is available.
	PollInterval time.Duration

	// LockWait bounds the startup wait for the pipeline lock before
	// concluding another processor owns the scope.
	LockWait time.Duration

	// RecentRuns caps the finished-run history included in Status.
	RecentRuns int

	Bus    *events.Bus
	Logger *logging.Logger
}

// Processor drains the queue strictly in enqueue order, one job at a time.
type Processor struct {
	store   core.RunStore
	runner  Runner
	locker  *locking.Manager
	control *Control

	bus      *events.Bus
	log      *logging.Logger
	poll     time.Duration
	lockWait time.Duration

	recentRuns int
	protected  *proctree.ProtectedSet

	running atomic.Bool

	// sawWork gates the drained event; touched only from the Run loop.
	sawWork bool
}

// NewProcessor creates a processor over the given store, runner, lock
// manager and control directory.
func NewProcessor(store core.RunStore, runner Runner, locker *locking.Manager, control *Control, opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.LockWait <= 0 {
		opts.LockWait = startLockWait
	}
	if opts.RecentRuns <= 0 {
		opts.RecentRuns = defaultRecentRuns
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Processor{
		store:      store,
		runner:     runner,
		locker:     locker,
		control:    control,
		bus:        opts.Bus,
		log:        log,
		poll:       opts.PollInterval,
		lockWait:   opts.LockWait,
		recentRuns: opts.RecentRuns,
		protected:  proctree.NewProtectedSet(),
	}
}

// Run claims and executes queued jobs until the context is canceled or a
// stop is requested. It takes the pipeline lock first; a second processor
// for the same scope fails fast with a state error instead of queueing up
// behind the first.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return core.ErrState("queue processor already running in this process")
	}
	defer p.running.Store(false)

	lockCtx, cancel := context.WithTimeout(ctx, p.lockWait)
	lease, err := p.locker.Acquire(lockCtx, locking.PipelineLock)
	cancel()
	if err != nil {
		if core.IsKind(err, core.ErrKindLockTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return core.ErrState("queue processor already active for this scope").WithCause(err)
		}
		return err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			p.log.Warn("releasing pipeline lock", "error", rerr)
		}
	}()
	defer p.announceStopped()

	// A stop marker left over from a previous processor must not kill
	// this one on its first loop iteration.
	if err := p.control.ClearStop(); err != nil {
		p.log.Warn("clearing stale stop marker", "error", err)
	}

	if err := p.sweepOrphans(ctx); err != nil {
		return err
	}

	depth, derr := p.store.QueueDepth(ctx)
	if derr != nil {
		return derr
	}
	p.log.Info("queue processor started", "pid", os.Getpid(), "depth", depth, "poll", p.poll)
	p.publish(events.NewQueueStateEvent("started", depth))

	wake := make(chan struct{}, 1)
	stopWatch := p.watchControls(wake)
	defer stopWatch()

	paused := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		if stopped, marker := p.control.StopRequested(); stopped {
			p.log.Info("stop requested", "by", marker.By)
			if err := p.control.ClearStop(); err != nil {
				p.log.Warn("clearing stop marker", "error", err)
			}
			return nil
		}

		if isPaused, marker := p.control.Paused(); isPaused {
			if !paused {
				paused = true
				p.log.Info("queue paused", "by", marker.By)
				p.publish(events.NewQueueStateEvent("paused", p.depth(ctx)))
			}
			p.idle(ctx, wake)
			continue
		}
		if paused {
			paused = false
			p.log.Info("queue resumed")
			p.publish(events.NewQueueStateEvent("resumed", p.depth(ctx)))
		}

		job, rec, err := p.store.ClaimNextJob(ctx)
		if err != nil {
			if core.IsKind(err, core.ErrKindNotFound) {
				p.markDrained()
				p.idle(ctx, wake)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			p.log.Error("claiming next job", "error", err)
			p.idle(ctx, wake)
			continue
		}

		p.runJob(ctx, job, rec)
	}
}

// runJob executes one claimed run to its terminal state. Executor errors
// are infrastructure failures; the run record itself already carries the
// job's outcome.
func (p *Processor) runJob(ctx context.Context, job *core.Job, rec *core.RunRecord) {
	p.sawWork = true
	jlog := p.log.WithJob(job.ID).WithRun(rec.RunID)

	pf := diagnostics.JobPreflight(job)
	for _, check := range pf.Checks {
		if check.Status != diagnostics.CheckOK {
			jlog.Warn("job preflight", "check", check.Name, "detail", check.Detail)
		}
	}

	jlog.Info("dispatching job", "command", job.CommandLine())
	if _, err := p.runner.Execute(ctx, job, rec); err != nil && ctx.Err() == nil {
		jlog.Error("executing job", "error", err)
	}
}

// markDrained publishes a single drained event per busy period.
func (p *Processor) markDrained() {
	if !p.sawWork {
		return
	}
	p.sawWork = false
	p.log.Info("queue drained")
	p.publish(events.NewQueueStateEvent("drained", 0))
}

// sweepOrphans fails runs abandoned by a dead processor and kills any
// process groups those runs left behind. Holding the pipeline lock here
// means the recorded groups cannot belong to a live processor's job.
func (p *Processor) sweepOrphans(ctx context.Context) error {
	orphans, err := p.store.SweepOrphans(ctx, "orphaned by processor crash")
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}
	killer := proctree.NewKiller(p.protected)
	for _, orphan := range orphans {
		p.log.Warn("swept orphaned run",
			"run_id", orphan.RunID, "job_id", orphan.JobID, "pid", orphan.PID, "pgid", orphan.PGID)
		if orphan.PGID <= 0 {
			continue
		}
		tracker := proctree.NewTracker(int32(orphan.PID), int32(orphan.PGID), p.protected)
		snap, serr := tracker.Snapshot(ctx)
		if serr != nil || snap.Empty() {
			continue
		}
		p.log.Warn("killing survivors of orphaned run", "run_id", orphan.RunID, "pids", snap.PIDs)
		if kerr := killer.SignalGroup(int32(orphan.PGID), syscall.SIGKILL); kerr != nil {
			p.log.Warn("killing orphaned group", "pgid", orphan.PGID, "error", kerr)
		}
		for _, pid := range snap.PIDs {
			if kerr := killer.Kill(pid); kerr != nil {
				p.log.Warn("killing orphaned process", "pid", pid, "error", kerr)
			}
		}
	}
	return nil
}

// watchControls wakes the loop when a control file changes. The watcher is
// an optimization over the poll interval - when it cannot start, polling
// alone still observes every control change.
func (p *Processor) watchControls(wake chan<- struct{}) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.log.Debug("control watcher unavailable, polling only", "error", err)
		return func() {}
	}
	if err := fsutil.EnsureDir(p.control.Dir()); err != nil {
		p.log.Debug("creating control dir failed, polling only", "error", err)
		_ = watcher.Close()
		return func() {}
	}
	if err := watcher.Add(p.control.Dir()); err != nil {
		p.log.Debug("watching control dir failed, polling only", "error", err)
		_ = watcher.Close()
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Ignore watcher errors - the poll timer still drives the loop.
			}
		}
	}()
	return func() {
		close(done)
		_ = watcher.Close()
	}
}

// idle blocks until the poll interval elapses, a control file changes, or
// the context ends.
func (p *Processor) idle(ctx context.Context, wake <-chan struct{}) {
	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

// announceStopped runs on the way out of Run, after the loop but before
// the pipeline lock is released.
func (p *Processor) announceStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	depth, err := p.store.QueueDepth(ctx)
	if err != nil {
		depth = 0
	}
	p.log.Info("queue processor stopped", "depth", depth)
	p.publish(events.NewQueueStateEvent("stopped", depth))
}

func (p *Processor) depth(ctx context.Context) int {
	depth, err := p.store.QueueDepth(ctx)
	if err != nil {
		return 0
	}
	return depth
}

func (p *Processor) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}
