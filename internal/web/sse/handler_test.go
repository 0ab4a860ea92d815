package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
)

func newStreamHandler(t *testing.T) (*Handler, *events.Bus) {
	t.Helper()
	bus := events.New(16)
	t.Cleanup(bus.Close)
	return NewHandler(bus), bus
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// readEvent consumes one event/data pair from the stream, skipping blank
// lines and comments.
func readEvent(t *testing.T, r *bufio.Reader) (string, map[string]interface{}) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "event: ") {
			t.Fatalf("unexpected stream line %q", line)
		}
		name := strings.TrimPrefix(line, "event: ")

		dataLine, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read data line: %v", err)
		}
		if !strings.HasPrefix(dataLine, "data: ") {
			t.Fatalf("expected data line, got %q", dataLine)
		}
		var data map[string]interface{}
		payload := strings.TrimPrefix(strings.TrimRight(dataLine, "\n"), "data: ")
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			t.Fatalf("parse event data %q: %v", payload, err)
		}
		return name, data
	}
}

func TestHandlerConnectAndHeaders(t *testing.T) {
	h, _ := newStreamHandler(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
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
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}

	name, data := readEvent(t, bufio.NewReader(resp.Body))
	if name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}
	if id, _ := data["client_id"].(string); id == "" {
		t.Error("connected event carries no client_id")
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	h, bus := newStreamHandler(t)
	h.SetHeartbeatFrequency(10 * time.Second)
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	// The subscription exists before the connected event goes out, so a
	// publish after reading it cannot be lost.
	if name, _ := readEvent(t, reader); name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}

	bus.Publish(events.NewRunStartedEvent("run-1", "job-1", 1, 4242, 4242))

	name, data := readEvent(t, reader)
	if name != events.TypeRunStarted {
		t.Fatalf("event = %q, want %q", name, events.TypeRunStarted)
	}
	if data["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want run-1", data["run_id"])
	}
	if data["job_id"] != "job-1" {
		t.Errorf("job_id = %v, want job-1", data["job_id"])
	}
}

func TestHandlerFiltersByRun(t *testing.T) {
	h, bus := newStreamHandler(t)
	h.SetHeartbeatFrequency(10 * time.Second)
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"?run=run-2", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if name, _ := readEvent(t, reader); name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}

	bus.Publish(events.NewRunStartedEvent("run-1", "job-1", 1, 100, 100))
	bus.Publish(events.NewRunStartedEvent("run-2", "job-2", 1, 200, 200))

	_, data := readEvent(t, reader)
	if data["run_id"] != "run-2" {
		t.Errorf("run_id = %v, want run-2 (filter leaked another run's event)", data["run_id"])
	}
}

func TestHandlerFiltersByType(t *testing.T) {
	h, bus := newStreamHandler(t)
	h.SetHeartbeatFrequency(10 * time.Second)
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"?type=queue_state", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if name, _ := readEvent(t, reader); name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}

	bus.Publish(events.NewRunStartedEvent("run-1", "job-1", 1, 100, 100))
	bus.Publish(events.NewQueueStateEvent("paused", 3))

	name, data := readEvent(t, reader)
	if name != events.TypeQueueState {
		t.Fatalf("event = %q, want %q", name, events.TypeQueueState)
	}
	if data["state"] != "paused" {
		t.Errorf("state = %v, want paused", data["state"])
	}
}

func TestHandlerClientCount(t *testing.T) {
	h, _ := newStreamHandler(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	if h.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d before any connection", h.ClientCount())
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	if err != nil {
		cancel()
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("connect stream: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return h.ClientCount() == 1 }, "client never registered")

	cancel()
	resp.Body.Close()

	waitUntil(t, time.Second, func() bool { return h.ClientCount() == 0 }, "client never cleaned up after disconnect")
}

func TestHandlerShutdownDisconnectsClients(t *testing.T) {
	h, _ := newStreamHandler(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	responses := make([]*http.Response, 0, 3)
	defer func() {
		for _, resp := range responses {
			resp.Body.Close()
		}
	}()

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req) //nolint:bodyclose // closed in deferred cleanup above
		if err != nil {
			t.Fatalf("connect client %d: %v", i, err)
		}
		responses = append(responses, resp)
	}

	waitUntil(t, time.Second, func() bool { return h.ClientCount() == 3 }, "clients never registered")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after shutdown, want 0", h.ClientCount())
	}
}

func TestHandlerHeartbeat(t *testing.T) {
	h, _ := newStreamHandler(t)
	h.SetHeartbeatFrequency(50 * time.Millisecond)
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	// Skip the connected event: event line, data line, blank line.
	for i := 0; i < 3; i++ {
		if _, err := reader.ReadString('\n'); err != nil {
			t.Fatalf("read stream: %v", err)
		}
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if !strings.HasPrefix(line, ": heartbeat") {
		t.Errorf("line = %q, want heartbeat comment", line)
	}
}
