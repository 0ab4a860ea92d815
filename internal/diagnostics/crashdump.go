package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/fsutil"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/logging"
)

// Dump triggers.
const (
	TriggerPanic          = "panic"
	TriggerCleanupFailure = "cleanup_failure"
)

// MemorySnapshot captures host memory state at dump time.
type MemorySnapshot struct {
	Total       uint64  `json:"total_bytes"`
	Available   uint64  `json:"available_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// CrashDump contains all information captured when something went badly
// enough to need a post-mortem.
type CrashDump struct {
	// Metadata
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"process_id"`
	GoVersion string    `json:"go_version"`
	GOOS      string    `json:"goos"`
	GOARCH    string    `json:"goarch"`

	// What happened
	Trigger    string `json:"trigger"`
	Detail     string `json:"detail"`
	StackTrace string `json:"stack_trace,omitempty"`

	// Host state at dump time
	Memory MemorySnapshot `json:"memory"`

	// Run context
	RunID       string   `json:"run_id,omitempty"`
	JobID       string   `json:"job_id,omitempty"`
	Attempt     int      `json:"attempt,omitempty"`
	CommandPath string   `json:"command_path,omitempty"`
	CommandArgs []string `json:"command_args,omitempty"`
	WorkDir     string   `json:"work_dir,omitempty"`

	// PIDs that survived cleanup, for cleanup_failure dumps
	Survivors []int32 `json:"survivors,omitempty"`

	// Environment (redacted)
	RedactedEnv map[string]string `json:"redacted_env,omitempty"`
}

// runContext is what the executor publishes about the attempt in flight.
type runContext struct {
	RunID   string
	JobID   string
	Attempt int
	Path    string
	Args    []string
	WorkDir string
}

// CrashDumpWriter handles crash dump generation and persistence.
type CrashDumpWriter struct {
	dir          string
	maxFiles     int
	includeStack bool
	includeEnv   bool
	log          *logging.Logger

	current atomic.Value // *runContext

	mu sync.Mutex // protects file operations
}

// NewCrashDumpWriter creates a crash dump writer.
func NewCrashDumpWriter(dir string, maxFiles int, includeStack, includeEnv bool, log *logging.Logger) *CrashDumpWriter {
	if maxFiles <= 0 {
		maxFiles = 10
	}
	if log == nil {
		log = logging.NewNop()
	}
	w := &CrashDumpWriter{
		dir:          dir,
		maxFiles:     maxFiles,
		includeStack: includeStack,
		includeEnv:   includeEnv,
		log:          log,
	}
	w.current.Store((*runContext)(nil))
	return w
}

// SetRunContext records the attempt being executed so dumps can name it.
func (w *CrashDumpWriter) SetRunContext(runID, jobID string, attempt int, command []string, workDir string) {
	ctx := &runContext{
		RunID:   runID,
		JobID:   jobID,
		Attempt: attempt,
		WorkDir: workDir,
	}
	if len(command) > 0 {
		ctx.Path = command[0]
		ctx.Args = command[1:]
	}
	w.current.Store(ctx)
}

// ClearRunContext clears the recorded attempt.
func (w *CrashDumpWriter) ClearRunContext() {
	w.current.Store((*runContext)(nil))
}

// WriteCrashDump generates and writes a panic dump.
func (w *CrashDumpWriter) WriteCrashDump(panicValue interface{}) (string, error) {
	return w.writeDump(TriggerPanic, fmt.Sprintf("%v", panicValue), nil)
}

// WriteCleanupFailure writes a dump naming the processes that survived a
// teardown, so an operator can find and kill them.
func (w *CrashDumpWriter) WriteCleanupFailure(survivors []int32, cause error) (string, error) {
	detail := "process group survived cleanup"
	if cause != nil {
		detail = cause.Error()
	}
	return w.writeDump(TriggerCleanupFailure, detail, survivors)
}

func (w *CrashDumpWriter) writeDump(trigger, detail string, survivors []int32) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dump := CrashDump{
		Timestamp: time.Now().UTC(),
		ProcessID: os.Getpid(),
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		Trigger:   trigger,
		Detail:    detail,
		Survivors: survivors,
		Memory:    takeMemorySnapshot(),
	}

	if w.includeStack {
		dump.StackTrace = string(debug.Stack())
	}

	if ctx, ok := w.current.Load().(*runContext); ok && ctx != nil {
		dump.RunID = ctx.RunID
		dump.JobID = ctx.JobID
		dump.Attempt = ctx.Attempt
		dump.CommandPath = ctx.Path
		dump.CommandArgs = ctx.Args
		dump.WorkDir = ctx.WorkDir
	}

	if w.includeEnv {
		dump.RedactedEnv = redactEnvironment()
	}

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating crash dump dir: %w", err)
	}

	filename := fmt.Sprintf("crash-%s.json", dump.Timestamp.Format("2006-01-02T15-04-05"))
	path := filepath.Join(w.dir, filename)

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling crash dump: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing crash dump: %w", err)
	}

	_ = w.cleanupOldDumps()

	return path, nil
}

// RecoverAndDump is a defer-compatible function for panic recovery with dump.
// It re-panics after writing.
func (w *CrashDumpWriter) RecoverAndDump() {
	if r := recover(); r != nil {
		path, err := w.WriteCrashDump(r)
		if err != nil {
			w.log.Error("failed to write crash dump", "error", err, "panic", r)
		} else {
			w.log.Error("crash dump written", "path", path, "panic", r)
		}
		panic(r)
	}
}

// RecoverAndReturn recovers from a panic, writes a dump, and stores an error
// instead of re-panicking. Usage: defer writer.RecoverAndReturn(&err)
func (w *CrashDumpWriter) RecoverAndReturn(errPtr *error) {
	if r := recover(); r != nil {
		path, dumpErr := w.WriteCrashDump(r)
		if dumpErr != nil {
			w.log.Error("failed to write crash dump", "error", dumpErr, "panic", r)
			*errPtr = fmt.Errorf("run panicked: %v", r)
			return
		}
		w.log.Error("crash dump written after panic", "path", path, "panic", r)
		*errPtr = fmt.Errorf("run panicked: %v (dump: %s)", r, path)
	}
}

// cleanupOldDumps removes crash dumps exceeding maxFiles, oldest first.
func (w *CrashDumpWriter) cleanupOldDumps() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}

	var dumps []os.DirEntry
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "crash-") && strings.HasSuffix(e.Name(), ".json") {
			dumps = append(dumps, e)
		}
	}

	sort.Slice(dumps, func(i, j int) bool {
		infoI, errI := dumps[i].Info()
		infoJ, errJ := dumps[j].Info()
		if errI != nil || errJ != nil {
			return false
		}
		return infoI.ModTime().Before(infoJ.ModTime())
	})

	for len(dumps) > w.maxFiles {
		path := filepath.Join(w.dir, dumps[0].Name())
		if err := os.Remove(path); err != nil {
			w.log.Warn("failed to remove old crash dump", "path", path, "error", err)
		}
		dumps = dumps[1:]
	}

	return nil
}

func takeMemorySnapshot() MemorySnapshot {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemorySnapshot{}
	}
	return MemorySnapshot{
		Total:       vm.Total,
		Available:   vm.Available,
		UsedPercent: vm.UsedPercent,
	}
}

func redactEnvironment() map[string]string {
	result := make(map[string]string)
	sensitiveSubstrings := []string{
		"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL",
		"AUTH", "PRIVATE", "API_KEY", "APIKEY",
	}

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := parts[0]

		isSensitive := false
		keyUpper := strings.ToUpper(key)
		for _, sensitive := range sensitiveSubstrings {
			if strings.Contains(keyUpper, sensitive) {
				isSensitive = true
				break
			}
		}

		if isSensitive {
			result[key] = "[REDACTED]"
		} else {
			result[key] = parts[1]
		}
	}

	return result
}

// LoadLatestCrashDump loads the most recent crash dump from the directory.
func LoadLatestCrashDump(dir string) (*CrashDump, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading crash dump dir: %w", err)
	}

	var newest os.DirEntry
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "crash-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == nil || info.ModTime().After(newestTime) {
			newest = e
			newestTime = info.ModTime()
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("no crash dumps found")
	}

	data, err := fsutil.ReadFileScoped(filepath.Join(dir, newest.Name()))
	if err != nil {
		return nil, fmt.Errorf("reading crash dump: %w", err)
	}

	var dump CrashDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("parsing crash dump: %w", err)
	}
	return &dump, nil
}
