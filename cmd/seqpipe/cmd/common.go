package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/adapters/state"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/config"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/locking"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/logging"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/queue"
)

// ExitCodeError carries a specific process exit code out through Execute so
// the pipeline's conventions (the job's own code, 124 for timeouts, 125 for
// deadlocks) survive to the shell.
type ExitCodeError struct {
	Code    int
	Message string
}

func (e *ExitCodeError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// loadConfig resolves configuration from flags, environment and config files,
// then validates it. The global viper instance carries the flag bindings from
// root.go.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

func openStore(cfg *config.Config) (*state.SQLiteRunStore, error) {
	return state.NewSQLiteRunStore(cfg.DBPath())
}

func newLockManager(cfg *config.Config, recorder core.EdgeRecorder, log *logging.Logger) (*locking.Manager, error) {
	return locking.NewManager(locking.Options{
		Dir:           cfg.LocksDir(),
		Scope:         cfg.Scope(),
		Timeout:       cfg.Lock.Timeout,
		MaxHold:       cfg.Lock.MaxHold,
		RetryInterval: cfg.Lock.RetryInterval,
		Recorder:      recorder,
		Logger:        log,
	})
}

func newControl(cfg *config.Config) *queue.Control {
	return queue.NewControl(cfg.QueueDir())
}

// OutputJSON writes indented JSON to stdout.
func OutputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// TruncateString shortens s to maxLen characters, folding newlines into
// spaces first.
func TruncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// parseMemorySize parses human-readable sizes ("512M", "2G", "800KB") into
// bytes. A bare number is bytes. Only integer values are accepted.
func parseMemorySize(raw string) (uint64, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSuffix(s, "B")
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, core.ErrValidation(fmt.Sprintf("invalid memory size %q", raw))
	}
	return n * mult, nil
}

// formatBytes renders a byte count for table display.
func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}

// formatRunDuration renders how long a run has been going (or ran).
func formatRunDuration(rec *core.RunRecord) string {
	if rec.StartedAt.IsZero() {
		return "-"
	}
	return rec.Duration().Round(10 * time.Millisecond).String()
}

func formatExitCode(rec *core.RunRecord) string {
	if rec.ExitCode < 0 {
		return "-"
	}
	return strconv.Itoa(rec.ExitCode)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// commandForRun resolves a run's command line through its job, caching per
// job ID. A run whose job row is gone still lists, just without its command.
func commandForRun(ctx context.Context, store core.RunStore, cache map[string]string, rec *core.RunRecord) string {
	if cmdline, ok := cache[rec.JobID]; ok {
		return cmdline
	}
	cmdline := ""
	if job, err := store.GetJob(ctx, rec.JobID); err == nil {
		cmdline = job.CommandLine()
	}
	cache[rec.JobID] = cmdline
	return cmdline
}

// exitCodeFor maps a terminal record to a process exit code. Records that
// never reached an exit (spawn failures, lock timeouts) collapse to 1.
func exitCodeFor(rec *core.RunRecord) int {
	if rec.ExitCode > 0 {
		return rec.ExitCode
	}
	if rec.IsSuccess() {
		return 0
	}
	return 1
}
