package queue

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/adapters/state"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/locking"
)

// stubRunner stands in for the executor: it drives each claimed run
// through running to a terminal state against the real store.
type stubRunner struct {
	store core.RunStore

	mu    sync.Mutex
	order []string // job IDs in dispatch order

	gate chan struct{} // when set, Execute blocks mid-run until closed
}

func (r *stubRunner) Execute(ctx context.Context, job *core.Job, rec *core.RunRecord) (*core.RunRecord, error) {
	r.mu.Lock()
	r.order = append(r.order, job.ID)
	r.mu.Unlock()

	if err := rec.MarkRunning(os.Getpid(), os.Getpid()); err != nil {
		return rec, err
	}
	if err := r.store.UpdateRun(ctx, rec); err != nil {
		return rec, err
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return rec, ctx.Err()
		}
	}
	if err := rec.MarkSucceeded(); err != nil {
		return rec, err
	}
	return rec, r.store.UpdateRun(ctx, rec)
}

func (r *stubRunner) dispatched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type queueHarness struct {
	proc    *Processor
	runner  *stubRunner
	store   *state.SQLiteRunStore
	locker  *locking.Manager
	control *Control
	lockDir string
}

func newQueueHarness(t *testing.T, opts Options) *queueHarness {
	t.Helper()
	tmp := t.TempDir()

	store, err := state.NewSQLiteRunStore(filepath.Join(tmp, "runs.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	lockDir := filepath.Join(tmp, "locks")
	locker, err := locking.NewManager(locking.Options{
		Dir:           lockDir,
		Scope:         "queue-test",
		Timeout:       2 * time.Second,
		RetryInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("creating lock manager: %v", err)
	}

	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.LockWait == 0 {
		opts.LockWait = 500 * time.Millisecond
	}
	runner := &stubRunner{store: store}
	control := NewControl(filepath.Join(tmp, "queue"))
	return &queueHarness{
		proc:    NewProcessor(store, runner, locker, control, opts),
		runner:  runner,
		store:   store,
		locker:  locker,
		control: control,
		lockDir: lockDir,
	}
}

func (h *queueHarness) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()
	return done
}

func (h *queueHarness) submit(t *testing.T, job *core.Job) *core.RunRecord {
	t.Helper()
	rec, err := Submit(t.Context(), h.store, nil, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Run IDs mint with millisecond precision; spacing submissions keeps
	// enqueue order unambiguous.
	time.Sleep(2 * time.Millisecond)
	return rec
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessorRunsJobsInOrder(t *testing.T) {
	h := newQueueHarness(t, Options{})

	var want []string
	for _, word := range []string{"alpha", "beta", "gamma"} {
		job := core.NewJob([]string{"echo", word})
		h.submit(t, job)
		want = append(want, job.ID)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := h.start(ctx)

	waitUntil(t, 5*time.Second, func() bool {
		return len(h.runner.dispatched()) == len(want)
	}, "jobs were not all dispatched")
	cancel()
	waitStopped(t, done)

	if got := h.runner.dispatched(); !slices.Equal(got, want) {
		t.Errorf("dispatch order = %v, want %v", got, want)
	}
	for _, jobID := range want {
		runs, err := h.store.ListRunsForJob(t.Context(), jobID)
		if err != nil {
			t.Fatalf("ListRunsForJob(%s): %v", jobID, err)
		}
		if len(runs) != 1 || runs[0].Status != core.StatusSucceeded {
			t.Errorf("job %s runs = %+v, want one succeeded", jobID, runs)
		}
	}
}

func TestProcessorRefusesSecondRunInProcess(t *testing.T) {
	h := newQueueHarness(t, Options{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := h.start(ctx)
	waitUntil(t, 5*time.Second, func() bool {
		holder, _ := h.locker.Inspect(locking.PipelineLock)
		return holder != nil
	}, "processor never took the pipeline lock")

	if err := h.proc.Run(t.Context()); !core.IsKind(err, core.ErrKindState) {
		t.Errorf("second Run = %v, want a state error", err)
	}

	cancel()
	waitStopped(t, done)
}

// A processor in another process shows up as a pipeline lock it cannot
// take. The second manager here plays that other process.
func TestProcessorRefusesActiveScope(t *testing.T) {
	h := newQueueHarness(t, Options{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := h.start(ctx)
	waitUntil(t, 5*time.Second, func() bool {
		holder, _ := h.locker.Inspect(locking.PipelineLock)
		return holder != nil
	}, "processor never took the pipeline lock")

	locker2, err := locking.NewManager(locking.Options{
		Dir:           h.lockDir,
		Scope:         "queue-test",
		Timeout:       2 * time.Second,
		RetryInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("creating second lock manager: %v", err)
	}
	second := NewProcessor(h.store, h.runner, locker2, h.control, Options{
		PollInterval: 20 * time.Millisecond,
		LockWait:     200 * time.Millisecond,
	})

	if err := second.Run(t.Context()); !core.IsKind(err, core.ErrKindState) {
		t.Errorf("second processor Run = %v, want a state error", err)
	}

	cancel()
	waitStopped(t, done)
}

func TestProcessorPauseHoldsClaims(t *testing.T) {
	h := newQueueHarness(t, Options{})
	if err := h.control.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := h.start(ctx)
	waitUntil(t, 5*time.Second, func() bool {
		holder, _ := h.locker.Inspect(locking.PipelineLock)
		return holder != nil
	}, "processor never took the pipeline lock")

	job := core.NewJob([]string{"echo", "held"})
	h.submit(t, job)

	time.Sleep(150 * time.Millisecond)
	if n := len(h.runner.dispatched()); n != 0 {
		t.Fatalf("dispatched %d jobs while paused", n)
	}

	if err := h.control.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool {
		return len(h.runner.dispatched()) == 1
	}, "job not dispatched after resume")

	cancel()
	waitStopped(t, done)
}

func TestProcessorStopsAfterCurrentJob(t *testing.T) {
	h := newQueueHarness(t, Options{})
	gate := make(chan struct{})
	h.runner.gate = gate

	first := core.NewJob([]string{"echo", "one"})
	h.submit(t, first)
	second := core.NewJob([]string{"echo", "two"})
	h.submit(t, second)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := h.start(ctx)

	waitUntil(t, 5*time.Second, func() bool {
		return len(h.runner.dispatched()) == 1
	}, "first job not dispatched")

	// Stop lands while the first job is still in flight; it must finish
	// and the second must stay queued.
	if err := h.control.RequestStop(); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	close(gate)
	waitStopped(t, done)

	if got := h.runner.dispatched(); len(got) != 1 || got[0] != first.ID {
		t.Errorf("dispatched = %v, want only %s", got, first.ID)
	}
	runs, err := h.store.ListRunsForJob(t.Context(), second.ID)
	if err != nil {
		t.Fatalf("ListRunsForJob: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != core.StatusQueued {
		t.Errorf("second job runs = %+v, want one still queued", runs)
	}
	if stopped, _ := h.control.StopRequested(); stopped {
		t.Error("stop marker survived the shutdown")
	}
}

// A stop marker left behind by a crashed processor must not kill the next
// one at startup.
func TestProcessorClearsStaleStopMarker(t *testing.T) {
	h := newQueueHarness(t, Options{})
	if err := h.control.RequestStop(); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}

	job := core.NewJob([]string{"echo", "survivor"})
	h.submit(t, job)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := h.start(ctx)

	waitUntil(t, 5*time.Second, func() bool {
		return len(h.runner.dispatched()) == 1
	}, "stale stop marker killed the new processor")

	cancel()
	waitStopped(t, done)
}

func TestProcessorPublishesLifecycleEvents(t *testing.T) {
	bus := events.New(16)
	defer bus.Close()
	h := newQueueHarness(t, Options{Bus: bus})
	sub := bus.Subscribe(events.TypeQueueState)

	nextState := func() string {
		t.Helper()
		select {
		case ev := <-sub:
			st, ok := ev.(events.QueueStateEvent)
			if !ok {
				t.Fatalf("event type = %T, want QueueStateEvent", ev)
			}
			return st.State
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a queue event")
			return ""
		}
	}

	h.submit(t, core.NewJob([]string{"echo", "lifecycle"}))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := h.start(ctx)

	if got := nextState(); got != "started" {
		t.Errorf("first event = %q, want started", got)
	}
	if got := nextState(); got != "drained" {
		t.Errorf("second event = %q, want drained", got)
	}

	if err := h.control.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := nextState(); got != "paused" {
		t.Errorf("third event = %q, want paused", got)
	}
	if err := h.control.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := nextState(); got != "resumed" {
		t.Errorf("fourth event = %q, want resumed", got)
	}

	cancel()
	waitStopped(t, done)
	if got := nextState(); got != "stopped" {
		t.Errorf("final event = %q, want stopped", got)
	}
}

func TestSubmitMintsQueuedRun(t *testing.T) {
	h := newQueueHarness(t, Options{})
	bus := events.New(8)
	defer bus.Close()
	sub := bus.Subscribe(events.TypeRunEnqueued)

	job := core.NewJob([]string{"echo", "hello"}).WithTimeout(time.Minute)
	rec, err := Submit(t.Context(), h.store, bus, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Status != core.StatusQueued || rec.Attempt != 1 || rec.RunID == "" {
		t.Errorf("rec = %+v, want queued attempt 1 with a run ID", rec)
	}

	stored, err := h.store.GetRun(t.Context(), rec.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.JobID != job.ID {
		t.Errorf("stored.JobID = %q, want %q", stored.JobID, job.ID)
	}

	select {
	case ev := <-sub:
		enq, ok := ev.(events.RunEnqueuedEvent)
		if !ok {
			t.Fatalf("event type = %T, want RunEnqueuedEvent", ev)
		}
		if enq.RunID() != rec.RunID || enq.JobID != job.ID {
			t.Errorf("event = %+v, want run %s job %s", enq, rec.RunID, job.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no enqueue event published")
	}
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	h := newQueueHarness(t, Options{})

	if _, err := Submit(t.Context(), h.store, nil, core.NewJob(nil)); !core.IsKind(err, core.ErrKindValidation) {
		t.Errorf("Submit(empty command) = %v, want a validation error", err)
	}
	depth, err := h.store.QueueDepth(t.Context())
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth = %d after rejected submit, want 0", depth)
	}
}

func TestProcessorStatus(t *testing.T) {
	h := newQueueHarness(t, Options{})
	gate := make(chan struct{})
	h.runner.gate = gate

	st, err := h.proc.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Active || st.Depth != 0 || st.CurrentRun != nil {
		t.Errorf("idle status = %+v, want inactive and empty", st)
	}

	first := core.NewJob([]string{"echo", "one"})
	firstRec := h.submit(t, first)
	second := core.NewJob([]string{"echo", "two"})
	h.submit(t, second)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := h.start(ctx)

	// The first job is gated mid-run: one running, one queued.
	waitUntil(t, 5*time.Second, func() bool {
		st, err := h.proc.Status(t.Context())
		return err == nil && st.CurrentRun != nil && st.Depth == 1
	}, "status never showed the gated run")

	st, err = h.proc.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Active {
		t.Error("Active = false with the processor running")
	}
	if st.ProcessorPID != os.Getpid() {
		t.Errorf("ProcessorPID = %d, want %d", st.ProcessorPID, os.Getpid())
	}
	if st.CurrentRun.RunID != firstRec.RunID || st.CurrentRun.Status != core.StatusRunning {
		t.Errorf("CurrentRun = %+v, want %s running", st.CurrentRun, firstRec.RunID)
	}
	if st.Paused {
		t.Error("Paused = true without a pause marker")
	}

	if err := h.control.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	st, err = h.proc.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Paused || st.PausedBy == "" {
		t.Errorf("paused status = %+v, want paused with provenance", st)
	}
	if err := h.control.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	close(gate)
	waitUntil(t, 5*time.Second, func() bool {
		return len(h.runner.dispatched()) == 2
	}, "second job never dispatched")
	cancel()
	waitStopped(t, done)

	st, err = h.proc.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Active {
		t.Error("Active = true after shutdown")
	}
	if st.Depth != 0 || st.CurrentRun != nil {
		t.Errorf("final status = %+v, want drained", st)
	}
	if len(st.Recent) != 2 {
		t.Fatalf("Recent has %d runs, want 2", len(st.Recent))
	}
	if st.Recent[0].JobID != second.ID || st.Recent[0].Status != core.StatusSucceeded {
		t.Errorf("Recent[0] = %+v, want %s succeeded", st.Recent[0], second.ID)
	}
}
