// Package executor runs one job attempt at a time: it acquires the job's
// resource locks, spawns the command in an isolated process group, streams
// output to the run log, enforces wall-clock and memory limits, and
// guarantees no descendant survives the attempt.
package executor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/diagnostics"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/logging"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/proctree"
)

// RunIDEnv tells spawned commands which run they belong to.
const RunIDEnv = "SEQPIPE_RUN_ID"

// maxLineBytes caps a single captured output line.
const maxLineBytes = 1024 * 1024

// Options tunes the executor. Zero values get sensible defaults.
type Options struct {
	// LogsDir receives one JSONL log file per attempt.
	LogsDir string
	// KillGrace is how long the group gets between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// MonitorInterval is the memory sampling period.
	MonitorInterval time.Duration
	// TreeDepth caps the descendant walk during tracking and cleanup;
	// 0 keeps the tracker default.
	TreeDepth int
	// DefaultTimeout applies to jobs that set none.
	DefaultTimeout time.Duration
	// RetryDelay is the pause between a failed attempt and its retry.
	RetryDelay time.Duration

	Bus    *events.Bus                  // optional, for live observers
	Dumps  *diagnostics.CrashDumpWriter // optional, for cleanup failures
	Logger *logging.Logger
}

// Executor runs jobs to a terminal status. It is not safe for concurrent
// Execute calls; the queue processor serializes them.
type Executor struct {
	locker    core.Locker
	store     core.RunStore
	bus       *events.Bus
	dumps     *diagnostics.CrashDumpWriter
	log       *logging.Logger
	protected *proctree.ProtectedSet
	killer    *proctree.Killer
	opts      Options
}

// New creates an executor.
func New(locker core.Locker, store core.RunStore, opts Options) *Executor {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 2 * time.Second
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 200 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	protected := proctree.NewProtectedSet()
	return &Executor{
		locker:    locker,
		store:     store,
		bus:       opts.Bus,
		dumps:     opts.Dumps,
		log:       log,
		protected: protected,
		killer:    proctree.NewKiller(protected),
		opts:      opts,
	}
}

// Execute runs the job until it reaches a terminal status, minting retry
// attempts for command failures. The returned record is the final attempt,
// already persisted. The error is non-nil only for infrastructure failures
// (persistence, cancellation); a job that merely failed returns its terminal
// record and a nil error.
func (e *Executor) Execute(ctx context.Context, job *core.Job, rec *core.RunRecord) (*core.RunRecord, error) {
	for {
		final, retry, err := e.runOnce(ctx, job, rec)
		if err != nil || !retry {
			return final, err
		}

		next := core.NewRetryRunRecord(job.ID, final.Attempt+1)
		if err := e.store.CreateRun(ctx, next); err != nil {
			return final, err
		}
		e.log.WithJob(job.ID).Info("retrying job",
			"failed_run", final.RunID,
			"next_run", next.RunID,
			"attempt", next.Attempt,
			"of", job.Attempts(),
			"reason", final.Reason)
		e.publish(events.NewRunRetryingEvent(next.RunID, job.ID, next.Attempt, final.Reason))

		select {
		case <-ctx.Done():
			_ = next.MarkFailed(-1, core.ErrKindInternal, "canceled before retry")
			_ = e.persistFinal(next)
			return next, ctx.Err()
		case <-time.After(e.opts.RetryDelay):
		}
		rec = next
	}
}

// runOnce executes a single attempt end to end and reports whether the
// outcome warrants a retry.
func (e *Executor) runOnce(ctx context.Context, job *core.Job, rec *core.RunRecord) (*core.RunRecord, bool, error) {
	rec.LogPath = filepath.Join(e.opts.LogsDir, rec.RunID+".jsonl")
	logw := NewLogWriter(rec.LogPath, rec.RunID, e.locker, e.log)

	exitCode, attemptErr := e.runAttempt(ctx, job, rec, logw)

	canceled := errors.Is(attemptErr, context.Canceled) || errors.Is(attemptErr, context.DeadlineExceeded)

	var markErr error
	switch {
	case attemptErr == nil:
		markErr = rec.MarkSucceeded()
	case core.IsKind(attemptErr, core.ErrKindJobTimeout):
		markErr = rec.MarkTimedOut(e.timeoutFor(job))
	case core.IsKind(attemptErr, core.ErrKindDeadlock):
		markErr = rec.MarkDeadlocked(attemptErr.Error())
	case canceled:
		markErr = rec.MarkFailed(-1, core.ErrKindInternal, "canceled before completion")
	case core.IsKind(attemptErr, core.ErrKindCommandFailure):
		markErr = rec.MarkFailed(exitCode, core.ErrKindCommandFailure, attemptErr.Error())
	default:
		markErr = rec.MarkFailed(core.ExitCodeFor(attemptErr), core.KindOf(attemptErr), attemptErr.Error())
	}
	if markErr != nil {
		e.log.WithRun(rec.RunID).Error("recording run outcome failed", "error", markErr)
	}

	persistErr := e.persistFinal(rec)

	// The run context may already be dead; the final log entries and flush
	// get their own deadline.
	finishCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	logw.Event(finishCtx, "finished", map[string]interface{}{
		"status":    string(rec.Status),
		"exit_code": rec.ExitCode,
		"reason":    rec.Reason,
		"peak_rss":  rec.PeakRSS,
	})
	logw.Close(finishCtx)
	cancel()

	e.publish(events.NewRunFinishedEvent(rec.RunID, rec.JobID, string(rec.Status), rec.ExitCode, rec.Reason, rec.Duration().Milliseconds()))
	if e.dumps != nil {
		e.dumps.ClearRunContext()
	}

	alog := e.log.WithJob(job.ID).WithRun(rec.RunID)
	if rec.IsSuccess() {
		alog.Info("attempt finished", "status", rec.Status, "exit_code", rec.ExitCode, "duration", rec.Duration().Round(time.Millisecond))
	} else {
		alog.Warn("attempt finished", "status", rec.Status, "exit_code", rec.ExitCode, "reason", rec.Reason)
	}

	if canceled {
		return rec, false, attemptErr
	}
	if persistErr != nil {
		return rec, false, persistErr
	}
	retry := core.IsRetryable(attemptErr) && rec.Attempt < job.Attempts()
	return rec, retry, nil
}

// runAttempt spawns the command and supervises it until exit or forced
// termination. It returns the observed exit code (-1 when unknown) and the
// classified attempt error, nil meaning a clean zero exit with full cleanup.
func (e *Executor) runAttempt(ctx context.Context, job *core.Job, rec *core.RunRecord, logw *LogWriter) (int, error) {
	alog := e.log.WithJob(job.ID).WithRun(rec.RunID)

	release, err := e.acquireLocks(ctx, job.Locks)
	if err != nil {
		return -1, err
	}
	defer release()

	cmd := exec.Command(job.Command[0], job.Command[1:]...)
	cmd.Dir = job.Dir
	env := append(os.Environ(), job.Env...)
	env = append(env, RunIDEnv+"="+rec.RunID)
	if marker := e.locker.ChildEnv(); marker != "" {
		env = append(env, marker)
	}
	cmd.Env = env
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, core.ErrInternal("creating stdout pipe").WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, core.ErrInternal("creating stderr pipe").WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		// Exit 127 is the shell convention for an unrunnable command; the
		// failure goes through the retry path like any other.
		return 127, core.ErrCommandFailure(127).WithCause(err)
	}

	pid := cmd.Process.Pid
	pgid := groupOf(pid)
	tracker := proctree.NewTracker(int32(pid), int32(pgid), e.protected)
	if e.opts.TreeDepth > 0 {
		tracker.MaxDepth = e.opts.TreeDepth
	}
	if e.dumps != nil {
		e.dumps.SetRunContext(rec.RunID, job.ID, rec.Attempt, job.Command, job.Dir)
	}

	if err := rec.MarkRunning(pid, pgid); err != nil {
		e.killAndReap(cmd, pgid, tracker)
		return -1, err
	}
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		e.killAndReap(cmd, pgid, tracker)
		return -1, core.ErrInternal("persisting running state").WithCause(err)
	}

	logw.Event(ctx, "started", map[string]interface{}{
		"attempt": rec.Attempt,
		"pid":     pid,
		"pgid":    pgid,
		"command": job.CommandLine(),
	})
	e.publish(events.NewRunStartedEvent(rec.RunID, job.ID, rec.Attempt, pid, pgid))
	alog.Info("attempt started",
		"attempt", rec.Attempt,
		"of", job.Attempts(),
		"pid", pid,
		"pgid", pgid,
		"command", job.CommandLine())

	var wg sync.WaitGroup
	wg.Add(2)
	go e.pump(ctx, &wg, stdout, "stdout", rec.RunID, logw)
	go e.pump(ctx, &wg, stderr, "stderr", rec.RunID, logw)

	// Wait may only run after both pipes are fully drained.
	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	mon := NewMemoryMonitor(tracker, job.MemoryLimit, e.opts.MonitorInterval, alog)
	monCtx, stopMon := context.WithCancel(context.Background())
	defer stopMon()
	memCh := make(chan error, 1)
	go func() {
		if merr := mon.Run(monCtx); merr != nil {
			memCh <- merr
		}
	}()

	timeout := e.timeoutFor(job)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	var attemptErr error
	waitDone := false

	select {
	case waitErr = <-waitCh:
		waitDone = true
	case <-timer.C:
		alog.Warn("job timeout exceeded, terminating group", "timeout", timeout)
		attemptErr = core.ErrJobTimeout(timeout)
		waitErr, waitDone = e.terminate(cmd, pgid, waitCh)
	case memErr := <-memCh:
		attemptErr = memErr
		waitErr, waitDone = e.terminate(cmd, pgid, waitCh)
	case <-ctx.Done():
		attemptErr = ctx.Err()
		waitErr, waitDone = e.terminate(cmd, pgid, waitCh)
	}
	stopMon()
	rec.PeakRSS = mon.Peak()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 15*time.Second)
	cleanupErr := e.cleanupGroup(cleanupCtx, tracker, pgid)
	cancelCleanup()

	if !waitDone {
		// Grandchildren holding the output pipes keep the pumps (and so the
		// reaper) blocked past the group's death; cleanup has killed them,
		// so give the reaper one more bounded chance.
		select {
		case waitErr = <-waitCh:
			waitDone = true
		case <-time.After(e.opts.KillGrace):
			alog.Warn("wait still pending after cleanup, abandoning reaper")
		}
	}

	exitCode := -1
	if waitDone {
		exitCode = exitCodeFromWait(waitErr)
	}

	if attemptErr == nil && waitErr != nil {
		attemptErr = core.ErrCommandFailure(exitCode).WithCause(waitErr)
	}
	if cleanupErr != nil {
		if attemptErr == nil {
			// Survivors flip an otherwise clean run to failed; the
			// environment can no longer be trusted.
			attemptErr = cleanupErr
		} else {
			alog.Error("cleanup failed after attempt error", "error", cleanupErr)
		}
	}
	return exitCode, attemptErr
}

// terminate asks the group to exit and escalates to SIGKILL after the grace
// period. It returns the wait result if the reaper came back in time.
func (e *Executor) terminate(cmd *exec.Cmd, pgid int, waitCh <-chan error) (error, bool) {
	if err := e.killer.SignalGroup(int32(pgid), syscall.SIGTERM); err != nil {
		// No group signalling on this platform; kill the direct child.
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	select {
	case err := <-waitCh:
		return err, true
	case <-time.After(e.opts.KillGrace):
	}

	_ = e.killer.SignalGroup(int32(pgid), syscall.SIGKILL)
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case err := <-waitCh:
		return err, true
	case <-time.After(e.opts.KillGrace):
		return nil, false
	}
}

// cleanupGroup force-kills what remains of the job's tree until a snapshot
// comes back empty. Survivors after the final pass are a cleanup failure,
// recorded with a crash dump for the operator.
func (e *Executor) cleanupGroup(ctx context.Context, tracker *proctree.Tracker, pgid int) error {
	const passes = 5
	for i := 0; i < passes; i++ {
		snap, err := tracker.Snapshot(ctx)
		if err != nil {
			e.log.Warn("process table scan failed during cleanup", "error", err)
			return nil
		}
		if snap.Empty() {
			return nil
		}
		_ = e.killer.SignalGroup(int32(pgid), syscall.SIGKILL)
		for _, pid := range snap.PIDs {
			_ = e.killer.Kill(pid)
		}
		select {
		case <-ctx.Done():
			return core.ErrCleanupFailure(snap.PIDs).WithCause(ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	snap, err := tracker.Snapshot(ctx)
	if err != nil || snap.Empty() {
		return nil
	}
	e.log.Error("processes survived cleanup", "pids", snap.PIDs, "pgid", pgid)
	if e.dumps != nil {
		if _, derr := e.dumps.WriteCleanupFailure(snap.PIDs, nil); derr != nil {
			e.log.Warn("writing cleanup failure dump failed", "error", derr)
		}
	}
	return core.ErrCleanupFailure(snap.PIDs)
}

// killAndReap handles spawn-adjacent failures: the child just started but the
// attempt cannot proceed, so kill it and reap synchronously. The pumps are
// not running yet, so Wait returns promptly.
func (e *Executor) killAndReap(cmd *exec.Cmd, pgid int, tracker *proctree.Tracker) {
	_ = e.killer.SignalGroup(int32(pgid), syscall.SIGKILL)
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.cleanupGroup(ctx, tracker, pgid); err != nil {
		e.log.Error("cleanup after aborted spawn failed", "error", err)
	}
}

// acquireLocks takes the job's locks in sorted order so every pipeline
// process requests them identically. The returned release function drops
// them in reverse order and is safe to call after a partial acquire.
func (e *Executor) acquireLocks(ctx context.Context, names []string) (func(), error) {
	if len(names) == 0 {
		return func() {}, nil
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var leases []core.Lease
	release := func() {
		for i := len(leases) - 1; i >= 0; i-- {
			if err := leases[i].Release(); err != nil {
				e.log.WithLock(leases[i].Name()).Warn("releasing lock failed", "error", err)
			}
		}
	}
	for _, name := range sorted {
		lease, err := e.locker.Acquire(ctx, name)
		if err != nil {
			release()
			return nil, err
		}
		leases = append(leases, lease)
	}
	return release, nil
}

// pump streams one pipe into the run log and the event bus, line by line.
func (e *Executor) pump(ctx context.Context, wg *sync.WaitGroup, r io.Reader, stream, runID string, logw *LogWriter) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		logw.Line(ctx, stream, line)
		e.publish(events.NewRunOutputEvent(runID, stream, line))
	}
	// Ignore scanner errors - the pipe closes abruptly when the group dies.
}

func (e *Executor) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Executor) persistFinal(rec *core.RunRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		e.log.WithRun(rec.RunID).Error("persisting run outcome failed", "error", err)
		return err
	}
	return nil
}

func (e *Executor) timeoutFor(job *core.Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	return e.opts.DefaultTimeout
}

func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
