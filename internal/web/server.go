// Package web serves the local status API over HTTP: queue state, run
// history, captured run logs, lock inspection and a live event stream.
// The server binds loopback by default and carries no authentication; it
// is a window onto a per-user tool, in the same trust domain as the CLI
// that started it.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/events"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/locking"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/logging"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/queue"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/web/sse"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	EnableCORS      bool
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:7787",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		EnableCORS:      false,
	}
}

// StatusSource reports the live queue status. Implemented by
// *queue.Processor.
type StatusSource interface {
	Status(ctx context.Context) (*queue.Status, error)
}

// LockLister inspects the lock directory. Implemented by *locking.Manager.
type LockLister interface {
	List() ([]*locking.Holder, error)
}

// QueueControl pauses and resumes the queue processor. Implemented by
// *queue.Control.
type QueueControl interface {
	Pause() error
	Resume() error
}

// Server is the status API server. Endpoints whose dependency was not
// provided respond 503 rather than disappear, so a partially wired server
// still tells callers what is missing.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	config     Config
	log        *logging.Logger

	store   core.RunStore
	status  StatusSource
	locks   LockLister
	control QueueControl
	bus     *events.Bus
	version string
	scope   string

	sse *sse.Handler
}

// ServerOption configures optional server dependencies.
type ServerOption func(*Server)

// WithStore provides the run store backing the run history endpoints.
func WithStore(store core.RunStore) ServerOption {
	return func(s *Server) { s.store = store }
}

// WithStatus provides the queue status source.
func WithStatus(src StatusSource) ServerOption {
	return func(s *Server) { s.status = src }
}

// WithLocks provides the lock lister backing the locks endpoint.
func WithLocks(locks LockLister) ServerOption {
	return func(s *Server) { s.locks = locks }
}

// WithControl provides the pause/resume control.
func WithControl(control QueueControl) ServerOption {
	return func(s *Server) { s.control = control }
}

// WithBus provides the event bus and enables the SSE stream.
func WithBus(bus *events.Bus) ServerOption {
	return func(s *Server) { s.bus = bus }
}

// WithVersion sets the version string reported by the status endpoint.
func WithVersion(version string) ServerOption {
	return func(s *Server) { s.version = version }
}

// WithScope sets the pipeline scope reported by the status endpoint.
func WithScope(scope string) ServerOption {
	return func(s *Server) { s.scope = scope }
}

// New creates a status API server.
func New(cfg Config, log *logging.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	s := &Server{
		config: cfg,
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		c := cors.New(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		})
		r.Use(c.Handler)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/runs/{runID}/log", s.handleRunLog)
		r.Get("/locks", s.handleLocks)
		r.Post("/queue/pause", s.handleQueuePause)
		r.Post("/queue/resume", s.handleQueueResume)

		if s.bus != nil {
			s.sse = sse.RegisterRoutes(r, s.bus)
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Run serves until ctx is canceled, then drains SSE streams and shuts the
// listener down. A graceful shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("status API listening", "addr", s.config.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return core.ErrInternal("status API server failed").WithCause(err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if s.sse != nil {
			if err := s.sse.Shutdown(shutdownCtx); err != nil {
				s.log.Warn("closing event streams", "error", err)
			}
		}
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return core.ErrInternal("status API shutdown failed").WithCause(err)
		}
		s.log.Info("status API stopped")
		return nil
	})

	return g.Wait()
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.config.Addr
}
