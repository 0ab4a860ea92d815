package sse

import (
	"github.com/go-chi/chi/v5"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
)

// RegisterRoutes mounts the event stream on the router and returns the
// handler so the server can drain it at shutdown.
func RegisterRoutes(r chi.Router, bus *events.Bus) *Handler {
	h := NewHandler(bus)
	r.Get("/events", h.ServeHTTP)
	return h
}
