package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sahilm/fuzzy"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/executor"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/queue"
)

const (
	defaultRunListLimit = 50
	maxRunListLimit     = 500
)

// statusResponse is the status endpoint payload: the live queue status plus
// the identity of the pipeline serving it.
type statusResponse struct {
	Version string `json:"version,omitempty"`
	Scope   string `json:"scope,omitempty"`
	*queue.Status
}

// RunResponse is the API shape of a run record.
type RunResponse struct {
	RunID       string     `json:"run_id"`
	JobID       string     `json:"job_id"`
	Attempt     int        `json:"attempt"`
	Status      string     `json:"status"`
	Command     string     `json:"command,omitempty"`
	ExitCode    int        `json:"exit_code"`
	Reason      string     `json:"reason,omitempty"`
	FailureKind string     `json:"failure_kind,omitempty"`
	PID         int        `json:"pid,omitempty"`
	PeakRSS     uint64     `json:"peak_rss,omitempty"`
	LogPath     string     `json:"log_path,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func runToResponse(rec *core.RunRecord, command string) RunResponse {
	resp := RunResponse{
		RunID:       rec.RunID,
		JobID:       rec.JobID,
		Attempt:     rec.Attempt,
		Status:      string(rec.Status),
		Command:     command,
		ExitCode:    rec.ExitCode,
		Reason:      rec.Reason,
		FailureKind: string(rec.FailureKind),
		PID:         rec.PID,
		PeakRSS:     rec.PeakRSS,
		LogPath:     rec.LogPath,
		CreatedAt:   rec.CreatedAt,
	}
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt
		resp.StartedAt = &t
	}
	if !rec.EndedAt.IsZero() {
		t := rec.EndedAt
		resp.EndedAt = &t
	}
	return resp
}

// LockResponse is the API shape of a lock holder.
type LockResponse struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	PGID       int       `json:"pgid,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	Scope      string    `json:"scope,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	AgeMS      int64     `json:"age_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondError(w, http.StatusServiceUnavailable, "status source not configured")
		return
	}
	st, err := s.status.Status(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{
		Version: s.version,
		Scope:   s.scope,
		Status:  st,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}

	q := r.URL.Query()
	limit := defaultRunListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunListLimit {
			respondError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	filter := core.ListFilter{Limit: limit}
	if raw := q.Get("status"); raw != "" {
		status, err := core.ParseRunStatus(raw)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		filter.Status = status
	}

	pattern := q.Get("filter")
	if pattern != "" {
		// Fetch a wider window when a fuzzy pattern narrows it afterwards.
		filter.Limit = maxRunListLimit
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	commands := s.jobCommands(r.Context(), runs)
	responses := make([]RunResponse, 0, len(runs))
	for i, rec := range runs {
		responses = append(responses, runToResponse(rec, commands[i]))
	}

	if pattern != "" {
		responses = fuzzyFilterRuns(pattern, responses)
		if len(responses) > limit {
			responses = responses[:limit]
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  responses,
		"count": len(responses),
	})
}

// jobCommands resolves each run's command line, caching per job so a long
// attempt chain costs one lookup.
func (s *Server) jobCommands(ctx context.Context, runs []*core.RunRecord) []string {
	commands := make([]string, len(runs))
	cache := make(map[string]string)
	for i, rec := range runs {
		cmd, ok := cache[rec.JobID]
		if !ok {
			// A run whose job row is gone still lists, just without its
			// command.
			if job, err := s.store.GetJob(ctx, rec.JobID); err == nil {
				cmd = job.CommandLine()
			}
			cache[rec.JobID] = cmd
		}
		commands[i] = cmd
	}
	return commands
}

// fuzzyFilterRuns ranks runs by how well their command line matches the
// pattern, best match first. Runs whose command does not match drop out.
func fuzzyFilterRuns(pattern string, runs []RunResponse) []RunResponse {
	candidates := make([]string, len(runs))
	for i, run := range runs {
		candidates[i] = run.Command
	}
	matches := fuzzy.Find(pattern, candidates)
	filtered := make([]RunResponse, 0, len(matches))
	for _, m := range matches {
		filtered = append(filtered, runs[m.Index])
	}
	return filtered
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	runID := chi.URLParam(r, "runID")
	rec, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	command := ""
	if job, err := s.store.GetJob(r.Context(), rec.JobID); err == nil {
		command = job.CommandLine()
	}
	respondJSON(w, http.StatusOK, runToResponse(rec, command))
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	runID := chi.URLParam(r, "runID")
	rec, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if rec.LogPath == "" {
		respondError(w, http.StatusNotFound, "no log captured for run "+runID)
		return
	}

	entries, err := executor.ReadLog(rec.LogPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondError(w, http.StatusNotFound, "log file missing for run "+runID)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusUnprocessableEntity, "tail must be a non-negative integer")
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	if s.locks == nil {
		respondError(w, http.StatusServiceUnavailable, "lock manager not configured")
		return
	}
	holders, err := s.locks.List()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	responses := make([]LockResponse, 0, len(holders))
	for _, h := range holders {
		responses = append(responses, LockResponse{
			Name:       h.Name,
			PID:        h.PID,
			PGID:       h.PGID,
			Hostname:   h.Hostname,
			Scope:      h.Scope,
			AcquiredAt: h.AcquiredAt,
			AgeMS:      h.Age().Milliseconds(),
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"locks": responses,
		"count": len(responses),
	})
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		respondError(w, http.StatusServiceUnavailable, "queue control not configured")
		return
	}
	if err := s.control.Pause(); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		respondError(w, http.StatusServiceUnavailable, "queue control not configured")
		return
	}
	if err := s.control.Resume(); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		// The status line is already on the wire; an encode failure here
		// has nowhere to go.
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps a domain error onto its HTTP status.
func respondDomainError(w http.ResponseWriter, err error) {
	respondError(w, httpStatusForError(err), err.Error())
}

// httpStatusForError picks the HTTP status for a domain error kind. Errors
// that carry no kind are internal.
func httpStatusForError(err error) int {
	var perr *core.PipelineError
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError
	}
	switch perr.Kind {
	case core.ErrKindNotFound:
		return http.StatusNotFound
	case core.ErrKindValidation:
		return http.StatusUnprocessableEntity
	case core.ErrKindState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
