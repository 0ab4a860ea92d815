package config

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"
)

// Config holds all pipeline configuration.
type Config struct {
	StateDir string         `mapstructure:"state_dir"`
	Log      LogConfig      `mapstructure:"log"`
	Job      JobConfig      `mapstructure:"job"`
	Lock     LockConfig     `mapstructure:"lock"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Deadlock DeadlockConfig `mapstructure:"deadlock"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Web      WebConfig      `mapstructure:"web"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// JobConfig holds per-job defaults applied when a submission leaves them
// unset.
type JobConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	MemoryLimit uint64        `mapstructure:"memory_limit"` // bytes, 0 disables
	KillGrace   time.Duration `mapstructure:"kill_grace"`
}

// LockConfig configures the lock manager.
type LockConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxHold       time.Duration `mapstructure:"max_hold"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// MonitorConfig configures process-tree and memory sampling.
type MonitorConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	TreeDepth int           `mapstructure:"tree_depth"`
}

// DeadlockConfig configures the wait-for graph detector.
type DeadlockConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	EdgeTTL  time.Duration `mapstructure:"edge_ttl"`
}

// QueueConfig configures the queue processor.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// WebConfig configures the local status API.
type WebConfig struct {
	Addr string `mapstructure:"addr"`
}

// LocksDir returns the lock directory under the state dir.
func (c *Config) LocksDir() string {
	return filepath.Join(c.StateDir, "locks")
}

// DeadlockDir returns the wait-edge directory under the state dir.
func (c *Config) DeadlockDir() string {
	return filepath.Join(c.StateDir, "deadlock")
}

// LogsDir returns the per-run log directory under the state dir.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// QueueDir returns the queue control-file directory under the state dir.
func (c *Config) QueueDir() string {
	return filepath.Join(c.StateDir, "queue")
}

// DumpsDir returns the crash-dump directory under the state dir.
func (c *Config) DumpsDir() string {
	return filepath.Join(c.StateDir, "dumps")
}

// DBPath returns the SQLite database path under the state dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "seqpipe.db")
}

// ScopeID derives a short stable identifier from the state dir so lock names
// and queue namespaces from different checkouts never collide.
func ScopeID(stateDir string) string {
	abs, err := filepath.Abs(stateDir)
	if err != nil {
		abs = stateDir
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:8]
}

// Scope returns the scope identifier for this configuration.
func (c *Config) Scope() string {
	return ScopeID(c.StateDir)
}
