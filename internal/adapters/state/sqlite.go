// Package state persists jobs and runs in SQLite. WAL mode keeps concurrent
// readers (status CLI, web UI) off the writer's back while the queue
// processor claims and updates runs.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteRunStore implements core.RunStore with SQLite storage.
type SQLiteRunStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.RWMutex
}

// NewSQLiteRunStore opens (creating if needed) the run database and applies
// pending migrations.
func NewSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{dbPath: dbPath}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteRunStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs pending migrations.
func (s *SQLiteRunStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}

	return nil
}

// EnqueueJob stores a job and its initial queued run in one transaction.
func (s *SQLiteRunStore) EnqueueJob(ctx context.Context, job *core.Job, run *core.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertJob(ctx, tx, job); err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	if err := insertRun(ctx, tx, run); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CreateRun stores an additional attempt for an already-claimed job. The new
// record carries the claim so a crash sweep treats it like any in-flight run.
func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *core.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRun(ctx, tx, run); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.RunID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET claimed_by = ? WHERE run_id = ?",
		os.Getpid(), run.RunID,
	); err != nil {
		return fmt.Errorf("claiming run %s: %w", run.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ClaimNextJob atomically claims the oldest queued run. Run IDs sort by
// mint time, so run_id order is enqueue order. The claim is an optimistic
// update; a concurrent claimer losing the race just tries the next row.
func (s *SQLiteRunStore) ClaimNextJob(ctx context.Context) (*core.Job, *core.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		job, run, err := s.tryClaim(ctx)
		if err == nil || !errors.Is(err, errClaimLost) {
			return job, run, err
		}
	}
}

// errClaimLost signals that another processor took the row first.
var errClaimLost = errors.New("claim lost")

func (s *SQLiteRunStore) tryClaim(ctx context.Context) (*core.Job, *core.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status = ? AND claimed_by = 0
		ORDER BY run_id ASC
		LIMIT 1
	`, core.StatusQueued)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil, core.ErrNotFound("queued run", "none pending")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("selecting queued run: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET claimed_by = ?
		WHERE run_id = ? AND status = ? AND claimed_by = 0
	`, os.Getpid(), run.RunID, core.StatusQueued)
	if err != nil {
		return nil, nil, fmt.Errorf("claiming run %s: %w", run.RunID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("checking claim: %w", err)
	}
	if affected == 0 {
		return nil, nil, errClaimLost
	}

	job, err := getJobTx(ctx, tx, run.JobID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing claim: %w", err)
	}
	return job, run, nil
}

// UpdateRun persists a record. Status changes are checked against the
// attempt state machine inside the transaction, so a stale writer cannot
// resurrect a terminal run.
func (s *SQLiteRunStore) UpdateRun(ctx context.Context, run *core.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateRunTx(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func updateRunTx(ctx context.Context, tx *sql.Tx, run *core.RunRecord) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE run_id = ?", run.RunID).Scan(&current)
	if err == sql.ErrNoRows {
		return core.ErrNotFound("run", run.RunID)
	}
	if err != nil {
		return fmt.Errorf("reading current status: %w", err)
	}
	if core.RunStatus(current) != run.Status && !core.ValidTransition(core.RunStatus(current), run.Status) {
		return core.ErrState(fmt.Sprintf("invalid run transition %s -> %s for %s", current, run.Status, run.RunID))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, exit_code = ?, reason = ?, failure_kind = ?,
			pid = ?, pgid = ?, log_path = ?, peak_rss = ?,
			started_at = ?, ended_at = ?
		WHERE run_id = ?
	`,
		run.Status, run.ExitCode, nullString(run.Reason), nullString(string(run.FailureKind)),
		run.PID, run.PGID, nullString(run.LogPath), int64(run.PeakRSS),
		nullTime(run.StartedAt), nullTime(run.EndedAt),
		run.RunID,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *SQLiteRunStore) GetRun(ctx context.Context, runID string) (*core.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return run, nil
}

// GetJob returns a job by ID.
func (s *SQLiteRunStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return getJobTx(ctx, tx, jobID)
}

// ListRuns returns runs matching the filter, newest first unless the filter
// says otherwise.
func (s *SQLiteRunStore) ListRuns(ctx context.Context, filter core.ListFilter) ([]*core.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + runColumns + " FROM runs"
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if filter.OldestFirst {
		query += " ORDER BY run_id ASC"
	} else {
		query += " ORDER BY run_id DESC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*core.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// ListRunsForJob returns a job's attempt chain in attempt order.
func (s *SQLiteRunStore) ListRunsForJob(ctx context.Context, jobID string) ([]*core.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE job_id = ? ORDER BY attempt ASC", jobID)
	if err != nil {
		return nil, fmt.Errorf("listing runs for job: %w", err)
	}
	defer rows.Close()

	var runs []*core.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// QueueDepth returns the number of runs still queued.
func (s *SQLiteRunStore) QueueDepth(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var depth int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs WHERE status = ?", core.StatusQueued).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("counting queued runs: %w", err)
	}
	return depth, nil
}

// SweepOrphans recovers from a processor crash: claimed-but-never-started
// runs go back to the unclaimed pool, and runs left in flight are marked
// failed. Callers hold the pipeline lock, so nothing here races a live
// processor.
func (s *SQLiteRunStore) SweepOrphans(ctx context.Context, reason string) ([]*core.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET claimed_by = 0
		WHERE status = ? AND claimed_by <> 0 AND claimed_by <> ?
	`, core.StatusQueued, os.Getpid()); err != nil {
		return nil, fmt.Errorf("releasing stale claims: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status IN (?, ?) AND claimed_by <> ?
	`, core.StatusRunning, core.StatusRetrying, os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("selecting orphaned runs: %w", err)
	}
	var orphans []*core.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning orphaned run: %w", err)
		}
		orphans = append(orphans, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating orphaned runs: %w", err)
	}
	rows.Close()

	for _, run := range orphans {
		if err := run.MarkFailed(-1, core.ErrKindInternal, reason); err != nil {
			return nil, fmt.Errorf("marking orphan %s failed: %w", run.RunID, err)
		}
		if err := updateRunTx(ctx, tx, run); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing sweep: %w", err)
	}
	return orphans, nil
}

// Snapshot copies the live database to dst using SQLite's backup path. Used
// by bundle export so archives carry a consistent state snapshot.
func (s *SQLiteRunStore) Snapshot(ctx context.Context, dst string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	escaped := strings.ReplaceAll(dst, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		return fmt.Errorf("snapshotting database: %w", err)
	}
	return nil
}

const runColumns = `run_id, job_id, attempt, status, exit_code, reason,
	failure_kind, pid, pgid, log_path, peak_rss, started_at, ended_at, created_at`

func insertJob(ctx context.Context, tx *sql.Tx, job *core.Job) error {
	commandJSON, err := json.Marshal(job.Command)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}
	var envJSON, locksJSON []byte
	if len(job.Env) > 0 {
		if envJSON, err = json.Marshal(job.Env); err != nil {
			return fmt.Errorf("marshaling env: %w", err)
		}
	}
	if len(job.Locks) > 0 {
		if locksJSON, err = json.Marshal(job.Locks); err != nil {
			return fmt.Errorf("marshaling locks: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, command, dir, env, locks,
			timeout_ms, memory_limit, max_retries, enqueued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, string(commandJSON), nullString(job.Dir),
		nullString(string(envJSON)), nullString(string(locksJSON)),
		job.Timeout.Milliseconds(), int64(job.MemoryLimit), job.MaxRetries,
		job.EnqueuedAt,
	)
	return err
}

func insertRun(ctx context.Context, tx *sql.Tx, run *core.RunRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, job_id, attempt, status, exit_code, reason, failure_kind,
			pid, pgid, log_path, peak_rss, started_at, ended_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.RunID, run.JobID, run.Attempt, run.Status, run.ExitCode,
		nullString(run.Reason), nullString(string(run.FailureKind)),
		run.PID, run.PGID, nullString(run.LogPath), int64(run.PeakRSS),
		nullTime(run.StartedAt), nullTime(run.EndedAt), run.CreatedAt,
	)
	return err
}

func getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (*core.Job, error) {
	var job core.Job
	var commandJSON string
	var dir, envJSON, locksJSON sql.NullString
	var timeoutMS, memoryLimit int64

	err := tx.QueryRowContext(ctx, `
		SELECT id, command, dir, env, locks, timeout_ms, memory_limit, max_retries, enqueued_at
		FROM jobs WHERE id = ?
	`, jobID).Scan(
		&job.ID, &commandJSON, &dir, &envJSON, &locksJSON,
		&timeoutMS, &memoryLimit, &job.MaxRetries, &job.EnqueuedAt,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}

	if err := json.Unmarshal([]byte(commandJSON), &job.Command); err != nil {
		return nil, fmt.Errorf("unmarshaling command: %w", err)
	}
	if dir.Valid {
		job.Dir = dir.String
	}
	if envJSON.Valid && envJSON.String != "" {
		if err := json.Unmarshal([]byte(envJSON.String), &job.Env); err != nil {
			return nil, fmt.Errorf("unmarshaling env: %w", err)
		}
	}
	if locksJSON.Valid && locksJSON.String != "" {
		if err := json.Unmarshal([]byte(locksJSON.String), &job.Locks); err != nil {
			return nil, fmt.Errorf("unmarshaling locks: %w", err)
		}
	}
	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	job.MemoryLimit = uint64(memoryLimit)
	return &job, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*core.RunRecord, error) {
	var run core.RunRecord
	var reason, failureKind, logPath sql.NullString
	var peakRSS int64
	var startedAt, endedAt sql.NullTime

	err := sc.Scan(
		&run.RunID, &run.JobID, &run.Attempt, &run.Status, &run.ExitCode,
		&reason, &failureKind, &run.PID, &run.PGID, &logPath, &peakRSS,
		&startedAt, &endedAt, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if reason.Valid {
		run.Reason = reason.String
	}
	if failureKind.Valid {
		run.FailureKind = core.ErrorKind(failureKind.String)
	}
	if logPath.Valid {
		run.LogPath = logPath.String
	}
	run.PeakRSS = uint64(peakRSS)
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = endedAt.Time
	}
	return &run, nil
}

// Helper functions for nullable values

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Verify that SQLiteRunStore implements core.RunStore.
var _ core.RunStore = (*SQLiteRunStore)(nil)
