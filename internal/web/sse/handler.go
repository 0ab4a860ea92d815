// Package sse streams pipeline events to HTTP clients as Server-Sent
// Events. The stream carries whatever the bus publishes: run lifecycle,
// queue state, lock waits. Clients reconnect on drop; the run store is the
// source of truth for anything missed.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
)

const defaultHeartbeatFrequency = 30 * time.Second

// Handler streams bus events to connected clients.
type Handler struct {
	bus *events.Bus

	mu      sync.RWMutex
	clients map[string]*client

	heartbeatFreq time.Duration
}

type client struct {
	id   string
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHandler creates an SSE handler backed by the given bus.
func NewHandler(bus *events.Bus) *Handler {
	return &Handler{
		bus:           bus,
		clients:       make(map[string]*client),
		heartbeatFreq: defaultHeartbeatFrequency,
	}
}

// SetHeartbeatFrequency overrides the heartbeat interval, mainly for tests.
func (h *Handler) SetHeartbeatFrequency(d time.Duration) {
	if d > 0 {
		h.heartbeatFreq = d
	}
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP streams events until the client disconnects or the server shuts
// down. Query parameters narrow the stream: run=<id> limits it to one run,
// type=<event_type> (repeatable) to specific event types.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Streams outlive the server's write timeout; clear the per-request
	// deadline for this response only.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	types := r.URL.Query()["type"]
	var eventCh <-chan events.Event
	if runID := r.URL.Query().Get("run"); runID != "" {
		eventCh = h.bus.SubscribeForRun(runID, types...)
	} else {
		eventCh = h.bus.Subscribe(types...)
	}
	defer h.bus.Unsubscribe(eventCh)

	c := &client{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
	}()

	h.sendEvent(w, flusher, "connected", map[string]string{"client_id": c.id})

	heartbeat := time.NewTicker(h.heartbeatFreq)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			h.sendComment(w, flusher, "heartbeat")
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			h.sendEvent(w, flusher, event.EventType(), event)
		}
	}
}

// Shutdown disconnects all clients. Streams end mid-flight; clients are
// expected to reconnect against the next server.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
	return nil
}

func (h *Handler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
	flusher.Flush()
}

func (h *Handler) sendComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	fmt.Fprintf(w, ": %s\n\n", comment)
	flusher.Flush()
}
