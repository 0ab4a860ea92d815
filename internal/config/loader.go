package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "SEQPIPE",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "SEQPIPE",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (SEQPIPE_*)
// 3. Project config (.seqpipe.yaml in current directory)
// 4. User config (~/.config/seqpipe/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".seqpipe")
		l.v.SetConfigType("yaml")

		// Project config takes precedence over user config.
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "seqpipe"))
		}
	}

	// Read config file (ignore not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("state_dir", ".seqpipe")

	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Job defaults
	l.v.SetDefault("job.timeout", "10m")
	l.v.SetDefault("job.max_retries", 0)
	l.v.SetDefault("job.memory_limit", 0)
	l.v.SetDefault("job.kill_grace", "2s")

	// Lock defaults
	l.v.SetDefault("lock.timeout", "5m")
	l.v.SetDefault("lock.max_hold", "15m")
	l.v.SetDefault("lock.retry_interval", "100ms")

	// Monitor defaults
	l.v.SetDefault("monitor.interval", "200ms")
	l.v.SetDefault("monitor.tree_depth", 10)

	// Deadlock defaults
	l.v.SetDefault("deadlock.interval", "10s")
	l.v.SetDefault("deadlock.edge_ttl", "1h")

	// Queue defaults
	l.v.SetDefault("queue.poll_interval", "500ms")

	// Web defaults
	l.v.SetDefault("web.addr", "127.0.0.1:7787")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
