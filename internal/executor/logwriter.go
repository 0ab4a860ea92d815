package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/locking"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/logging"
)

// flushThreshold is how many buffered entries trigger a flush. Output lines
// are batched so the log lock is taken per chunk, not per line.
const flushThreshold = 64

// LogEntry is one line of a run's JSONL log: either captured output
// (Stream/Line set) or a lifecycle event (Event/Detail set).
type LogEntry struct {
	TS     time.Time              `json:"ts"`
	RunID  string                 `json:"run_id"`
	Stream string                 `json:"stream,omitempty"`
	Line   string                 `json:"line,omitempty"`
	Event  string                 `json:"event,omitempty"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// LogWriter appends a run's output and lifecycle events to its JSONL file.
// Appends happen under the shared log lock so concurrent pipelines (and
// nested ones, which inherit the lock) never interleave partial writes.
type LogWriter struct {
	path   string
	runID  string
	locker core.Locker
	log    *logging.Logger

	mu  sync.Mutex
	buf []LogEntry
}

// NewLogWriter creates a writer for one attempt's log file.
func NewLogWriter(path, runID string, locker core.Locker, log *logging.Logger) *LogWriter {
	if log == nil {
		log = logging.NewNop()
	}
	return &LogWriter{
		path:   path,
		runID:  runID,
		locker: locker,
		log:    log,
	}
}

// Line buffers one captured output line, flushing when the batch is full.
func (w *LogWriter) Line(ctx context.Context, stream, line string) {
	w.mu.Lock()
	w.buf = append(w.buf, LogEntry{
		TS:     time.Now().UTC(),
		RunID:  w.runID,
		Stream: stream,
		Line:   line,
	})
	full := len(w.buf) >= flushThreshold
	w.mu.Unlock()

	if full {
		w.flush(ctx)
	}
}

// Event records a lifecycle event and flushes immediately: events are rare
// and observers should not wait for a batch to fill.
func (w *LogWriter) Event(ctx context.Context, event string, detail map[string]interface{}) {
	w.mu.Lock()
	w.buf = append(w.buf, LogEntry{
		TS:     time.Now().UTC(),
		RunID:  w.runID,
		Event:  event,
		Detail: detail,
	})
	w.mu.Unlock()

	w.flush(ctx)
}

// Close flushes whatever remains buffered.
func (w *LogWriter) Close(ctx context.Context) {
	w.flush(ctx)
}

// Path returns the log file path.
func (w *LogWriter) Path() string {
	return w.path
}

func (w *LogWriter) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	if err := w.appendBatch(ctx, batch); err != nil {
		// Put the batch back so the next flush retries it.
		w.mu.Lock()
		w.buf = append(batch, w.buf...)
		w.mu.Unlock()
		w.log.Warn("run log flush failed", "path", w.path, "error", err)
	}
}

func (w *LogWriter) appendBatch(ctx context.Context, batch []LogEntry) error {
	if w.locker != nil {
		lease, err := w.locker.Acquire(ctx, locking.LogLock)
		if err != nil {
			return fmt.Errorf("acquiring log lock: %w", err)
		}
		defer func() { _ = lease.Release() }()
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o750); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, entry := range batch {
		if err := enc.Encode(entry); err != nil {
			_ = f.Close()
			return fmt.Errorf("encoding log entry: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flushing log file: %w", err)
	}
	return f.Close()
}

// ReadLog parses a run's JSONL log file.
func ReadLog(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn tail from a crashed writer is not fatal.
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning log file: %w", err)
	}
	return entries, nil
}
