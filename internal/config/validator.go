package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateJob(&cfg.Job)
	v.validateLock(&cfg.Lock)
	v.validateMonitor(&cfg.Monitor)
	v.validateDeadlock(&cfg.Deadlock)
	v.validateQueue(&cfg.Queue)

	if cfg.StateDir == "" {
		v.addError("state_dir", cfg.StateDir, "cannot be empty")
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateJob(cfg *JobConfig) {
	if cfg.Timeout <= 0 {
		v.addError("job.timeout", cfg.Timeout, "must be positive")
	}
	if cfg.MaxRetries < 0 {
		v.addError("job.max_retries", cfg.MaxRetries, "cannot be negative")
	}
	if cfg.KillGrace <= 0 {
		v.addError("job.kill_grace", cfg.KillGrace, "must be positive")
	}
}

func (v *Validator) validateLock(cfg *LockConfig) {
	if cfg.Timeout <= 0 {
		v.addError("lock.timeout", cfg.Timeout, "must be positive")
	}
	if cfg.RetryInterval <= 0 {
		v.addError("lock.retry_interval", cfg.RetryInterval, "must be positive")
	}
	if cfg.Timeout > 0 && cfg.RetryInterval > 0 && cfg.Timeout <= cfg.RetryInterval {
		v.addError("lock.timeout", cfg.Timeout, "must exceed lock.retry_interval")
	}
	if cfg.MaxHold <= 0 {
		v.addError("lock.max_hold", cfg.MaxHold, "must be positive")
	}
}

func (v *Validator) validateMonitor(cfg *MonitorConfig) {
	if cfg.Interval <= 0 {
		v.addError("monitor.interval", cfg.Interval, "must be positive")
	}
	if cfg.TreeDepth < 1 {
		v.addError("monitor.tree_depth", cfg.TreeDepth, "must be at least 1")
	}
}

func (v *Validator) validateDeadlock(cfg *DeadlockConfig) {
	if cfg.Interval <= 0 {
		v.addError("deadlock.interval", cfg.Interval, "must be positive")
	}
	if cfg.EdgeTTL <= 0 {
		v.addError("deadlock.edge_ttl", cfg.EdgeTTL, "must be positive")
	}
}

func (v *Validator) validateQueue(cfg *QueueConfig) {
	if cfg.PollInterval <= 0 {
		v.addError("queue.poll_interval", cfg.PollInterval, "must be positive")
	}
}
