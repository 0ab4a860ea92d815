package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/adapters/state"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/executor"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/locking"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/queue"
)

func newTestStore(t *testing.T) *state.SQLiteRunStore {
	t.Helper()
	store, err := state.NewSQLiteRunStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedJob(t *testing.T, store core.RunStore, command ...string) (*core.Job, *core.RunRecord) {
	t.Helper()
	job := core.NewJob(command)
	rec := core.NewRunRecord(job.ID, 1)
	if err := store.EnqueueJob(t.Context(), job, rec); err != nil {
		t.Fatalf("enqueue %v: %v", command, err)
	}
	// Run IDs mint with millisecond precision; spacing submissions keeps
	// list order deterministic.
	time.Sleep(2 * time.Millisecond)
	return job, rec
}

// finishRun claims the oldest queued run and drives it to a terminal
// status, the way the processor would.
func finishRun(t *testing.T, store core.RunStore, exitCode int) *core.RunRecord {
	t.Helper()
	ctx := t.Context()
	claimed, err := store.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed.MarkRunning(4242, 4242)
	if err := store.UpdateRun(ctx, claimed); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if exitCode == 0 {
		claimed.MarkSucceeded()
	} else {
		claimed.MarkFailed(exitCode, core.ErrKindCommandFailure, fmt.Sprintf("exit status %d", exitCode))
	}
	if err := store.UpdateRun(ctx, claimed); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	return claimed
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

type runListResponse struct {
	Runs  []RunResponse `json:"runs"`
	Count int           `json:"count"`
}

type fakeStatus struct {
	status *queue.Status
	err    error
}

func (f *fakeStatus) Status(ctx context.Context) (*queue.Status, error) {
	return f.status, f.err
}

func TestHealthEndpoint(t *testing.T) {
	s := New(DefaultConfig(), nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var body map[string]string
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Errorf("status body = %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	src := &fakeStatus{status: &queue.Status{
		Active:       true,
		ProcessorPID: 4242,
		Paused:       true,
		PausedBy:     "host:99",
		Depth:        2,
	}}
	s := New(DefaultConfig(), nil,
		WithStatus(src),
		WithVersion("1.2.3"),
		WithScope("myrepo"),
	)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var body map[string]interface{}
	if code := getJSON(t, ts.URL+"/api/v1/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["version"] != "1.2.3" {
		t.Errorf("version = %v", body["version"])
	}
	if body["scope"] != "myrepo" {
		t.Errorf("scope = %v", body["scope"])
	}
	if body["active"] != true {
		t.Errorf("active = %v", body["active"])
	}
	if body["paused_by"] != "host:99" {
		t.Errorf("paused_by = %v", body["paused_by"])
	}
	if body["depth"] != float64(2) {
		t.Errorf("depth = %v", body["depth"])
	}
}

func TestStatusEndpointWithoutSource(t *testing.T) {
	s := New(DefaultConfig(), nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var body map[string]string
	if code := getJSON(t, ts.URL+"/api/v1/status", &body); code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if body["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestListRunsEndpoint(t *testing.T) {
	store := newTestStore(t)
	seedJob(t, store, "go", "build", "./...")
	tested, _ := seedJob(t, store, "go", "test", "./...")
	linted, lintRec := seedJob(t, store, "golangci-lint", "run")
	finishRun(t, store, 0) // go build
	finishRun(t, store, 2) // go test

	s := New(DefaultConfig(), nil, WithStore(store))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var all runListResponse
	if code := getJSON(t, ts.URL+"/api/v1/runs", &all); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if all.Count != 3 || len(all.Runs) != 3 {
		t.Fatalf("count = %d (%d runs), want 3", all.Count, len(all.Runs))
	}
	if all.Runs[0].JobID != linted.ID {
		t.Errorf("newest run first: got job %s, want %s", all.Runs[0].JobID, linted.ID)
	}
	if all.Runs[0].Command != "golangci-lint run" {
		t.Errorf("command = %q", all.Runs[0].Command)
	}

	var failed runListResponse
	getJSON(t, ts.URL+"/api/v1/runs?status=failed", &failed)
	if failed.Count != 1 || failed.Runs[0].JobID != tested.ID {
		t.Errorf("status=failed returned %+v", failed.Runs)
	}
	if failed.Runs[0].ExitCode != 2 {
		t.Errorf("exit_code = %d, want 2", failed.Runs[0].ExitCode)
	}

	var limited runListResponse
	getJSON(t, ts.URL+"/api/v1/runs?limit=1", &limited)
	if limited.Count != 1 || limited.Runs[0].RunID != lintRec.RunID {
		t.Errorf("limit=1 returned %+v", limited.Runs)
	}

	var fuzzed runListResponse
	getJSON(t, ts.URL+"/api/v1/runs?filter=lint", &fuzzed)
	if fuzzed.Count != 1 || fuzzed.Runs[0].JobID != linted.ID {
		t.Errorf("filter=lint returned %+v", fuzzed.Runs)
	}

	if code := getJSON(t, ts.URL+"/api/v1/runs?status=bogus", nil); code != http.StatusUnprocessableEntity {
		t.Errorf("status=bogus: code = %d, want 422", code)
	}
	if code := getJSON(t, ts.URL+"/api/v1/runs?limit=0", nil); code != http.StatusUnprocessableEntity {
		t.Errorf("limit=0: code = %d, want 422", code)
	}
}

func TestListRunsEndpointWithoutStore(t *testing.T) {
	s := New(DefaultConfig(), nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	if code := getJSON(t, ts.URL+"/api/v1/runs", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}

func TestGetRunEndpoint(t *testing.T) {
	store := newTestStore(t)
	job, _ := seedJob(t, store, "make", "release")
	done := finishRun(t, store, 0)

	s := New(DefaultConfig(), nil, WithStore(store))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var run RunResponse
	if code := getJSON(t, ts.URL+"/api/v1/runs/"+done.RunID, &run); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if run.RunID != done.RunID || run.JobID != job.ID {
		t.Errorf("run = %+v", run)
	}
	if run.Status != string(core.StatusSucceeded) {
		t.Errorf("status = %s, want succeeded", run.Status)
	}
	if run.Command != "make release" {
		t.Errorf("command = %q", run.Command)
	}
	if run.StartedAt == nil || run.EndedAt == nil {
		t.Error("terminal run should carry started_at and ended_at")
	}

	var body map[string]string
	if code := getJSON(t, ts.URL+"/api/v1/runs/run-unknown", &body); code != http.StatusNotFound {
		t.Fatalf("unknown run: status = %d, want 404", code)
	}
	if !strings.Contains(body["error"], "not found") {
		t.Errorf("error body = %v", body)
	}
}

func TestRunLogEndpoint(t *testing.T) {
	store := newTestStore(t)
	_, rec := seedJob(t, store, "make", "test")

	logPath := filepath.Join(t.TempDir(), rec.RunID+".jsonl")
	var lines []string
	for _, text := range []string{"compiling", "linking", "ok"} {
		entry := executor.LogEntry{
			TS:     time.Now().UTC(),
			RunID:  rec.RunID,
			Stream: "stdout",
			Line:   text,
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			t.Fatalf("marshal entry: %v", err)
		}
		lines = append(lines, string(raw))
	}
	if err := os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	ctx := t.Context()
	claimed, err := store.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed.LogPath = logPath
	claimed.MarkRunning(os.Getpid(), os.Getpid())
	if err := store.UpdateRun(ctx, claimed); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	s := New(DefaultConfig(), nil, WithStore(store))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var body struct {
		RunID   string              `json:"run_id"`
		Entries []executor.LogEntry `json:"entries"`
		Count   int                 `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/runs/"+rec.RunID+"/log", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.Count != 3 {
		t.Fatalf("count = %d, want 3", body.Count)
	}
	if body.Entries[0].Line != "compiling" {
		t.Errorf("first line = %q", body.Entries[0].Line)
	}

	var tailed struct {
		Entries []executor.LogEntry `json:"entries"`
		Count   int                 `json:"count"`
	}
	getJSON(t, ts.URL+"/api/v1/runs/"+rec.RunID+"/log?tail=1", &tailed)
	if tailed.Count != 1 || tailed.Entries[0].Line != "ok" {
		t.Errorf("tail=1 returned %+v", tailed.Entries)
	}

	if code := getJSON(t, ts.URL+"/api/v1/runs/"+rec.RunID+"/log?tail=x", nil); code != http.StatusUnprocessableEntity {
		t.Errorf("tail=x: code = %d, want 422", code)
	}

	_, queued := seedJob(t, store, "make", "docs")
	if code := getJSON(t, ts.URL+"/api/v1/runs/"+queued.RunID+"/log", nil); code != http.StatusNotFound {
		t.Errorf("run without log: code = %d, want 404", code)
	}
}

func TestLocksEndpoint(t *testing.T) {
	locker, err := locking.NewManager(locking.Options{
		Dir:           filepath.Join(t.TempDir(), "locks"),
		Scope:         "web-test",
		Timeout:       time.Second,
		RetryInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("creating lock manager: %v", err)
	}
	lease, err := locker.Acquire(t.Context(), "build")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = lease.Release() }()

	s := New(DefaultConfig(), nil, WithLocks(locker))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var body struct {
		Locks []LockResponse `json:"locks"`
		Count int            `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/locks", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	if body.Locks[0].Name != "build" {
		t.Errorf("lock name = %q", body.Locks[0].Name)
	}
	if body.Locks[0].PID != os.Getpid() {
		t.Errorf("lock pid = %d, want %d", body.Locks[0].PID, os.Getpid())
	}
}

func TestServerRunGracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	s := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let the listener come up before asking it to stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on graceful shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerCORSHeaders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCORS = true
	cfg.CORSOrigins = []string{"http://example.test"}
	s := New(cfg, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "http://example.test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://example.test" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestEventsRouteNeedsBus(t *testing.T) {
	bus := events.New(16)
	t.Cleanup(bus.Close)
	s := New(DefaultConfig(), nil, WithBus(bus))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	bare := New(DefaultConfig(), nil)
	bareTS := httptest.NewServer(bare.Router())
	defer bareTS.Close()
	if code := getJSON(t, bareTS.URL+"/api/v1/events", nil); code != http.StatusNotFound {
		t.Errorf("events without bus: code = %d, want 404", code)
	}
}

func TestQueuePauseResumeEndpoints(t *testing.T) {
	control := queue.NewControl(filepath.Join(t.TempDir(), "queue"))
	s := New(DefaultConfig(), nil, WithControl(control))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var body map[string]bool
	if code := postJSON(t, ts.URL+"/api/v1/queue/pause", &body); code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200", code)
	}
	if !body["paused"] {
		t.Errorf("pause body = %v", body)
	}
	if paused, _ := control.Paused(); !paused {
		t.Error("control not paused after POST")
	}

	if code := postJSON(t, ts.URL+"/api/v1/queue/resume", &body); code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", code)
	}
	if body["paused"] {
		t.Errorf("resume body = %v", body)
	}
	if paused, _ := control.Paused(); paused {
		t.Error("control still paused after resume")
	}
}
