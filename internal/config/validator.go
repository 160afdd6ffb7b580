package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "registry.lock_timeout_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// maxMessageBytesLimit caps ipc.max_message_bytes so the 4-byte length
// prefix can never be abused to force huge allocations.
const maxMessageBytesLimit = 64 << 20

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateRegistry()...)
	errs = append(errs, c.validateIPC()...)
	errs = append(errs, c.validateEvents()...)
	errs = append(errs, c.validateMonitor()...)
	errs = append(errs, c.validateRunner()...)
	errs = append(errs, c.validateLoop()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
	}
	return nil
}

func nonNegative(field string, v int) []ValidationError {
	if v < 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
	}
	return nil
}

func (c *Config) validateRegistry() []ValidationError {
	var errs []ValidationError
	r := c.Registry

	if strings.TrimSpace(r.Path) == "" {
		errs = append(errs, ValidationError{Field: "registry.path", Value: r.Path, Message: "must not be empty"})
	}
	errs = append(errs, positive("registry.heartbeat_interval_ms", r.HeartbeatIntervalMs)...)
	errs = append(errs, positive("registry.stale_threshold_ms", r.StaleThresholdMs)...)
	errs = append(errs, positive("registry.lock_timeout_ms", r.LockTimeoutMs)...)

	if r.HeartbeatIntervalMs > 0 && r.StaleThresholdMs > 0 && r.StaleThresholdMs <= r.HeartbeatIntervalMs {
		errs = append(errs, ValidationError{
			Field:   "registry.stale_threshold_ms",
			Value:   r.StaleThresholdMs,
			Message: fmt.Sprintf("must be greater than heartbeat_interval_ms (%d)", r.HeartbeatIntervalMs),
		})
	}
	if r.StoppedGraceMultiplier < 1 {
		errs = append(errs, ValidationError{
			Field:   "registry.stopped_grace_multiplier",
			Value:   r.StoppedGraceMultiplier,
			Message: "must be at least 1",
		})
	}
	return errs
}

func (c *Config) validateIPC() []ValidationError {
	var errs []ValidationError
	errs = append(errs, positive("ipc.timeout_ms", c.IPC.TimeoutMs)...)
	errs = append(errs, positive("ipc.accept_poll_ms", c.IPC.AcceptPollMs)...)

	if c.IPC.MaxMessageBytes < 1024 || c.IPC.MaxMessageBytes > maxMessageBytesLimit {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_message_bytes",
			Value:   c.IPC.MaxMessageBytes,
			Message: fmt.Sprintf("must be between 1024 and %d", maxMessageBytesLimit),
		})
	}
	return errs
}

func (c *Config) validateEvents() []ValidationError {
	var errs []ValidationError
	errs = append(errs, positive("events.queue_size", c.Events.QueueSize)...)
	errs = append(errs, positive("events.blocking_workers", c.Events.BlockingWorkers)...)
	return errs
}

func (c *Config) validateMonitor() []ValidationError {
	var errs []ValidationError
	errs = append(errs, positive("monitor.poll_interval_ms", c.Monitor.PollIntervalMs)...)
	errs = append(errs, nonNegative("monitor.debounce_ms", c.Monitor.DebounceMs)...)
	return errs
}

func (c *Config) validateRunner() []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(c.Runner.Command) == "" {
		errs = append(errs, ValidationError{Field: "runner.command", Value: c.Runner.Command, Message: "must not be empty"})
	}
	errs = append(errs, nonNegative("runner.timeout_minutes", c.Runner.TimeoutMinutes)...)
	errs = append(errs, nonNegative("runner.stop_grace_ms", c.Runner.StopGraceMs)...)
	if c.Runner.SummaryMaxChars < 4 {
		errs = append(errs, ValidationError{
			Field:   "runner.summary_max_chars",
			Value:   c.Runner.SummaryMaxChars,
			Message: "must be at least 4",
		})
	}
	return errs
}

func (c *Config) validateLoop() []ValidationError {
	var errs []ValidationError
	errs = append(errs, nonNegative("loop.max_iterations", c.Loop.MaxIterations)...)
	errs = append(errs, positive("loop.max_consecutive_failures", c.Loop.MaxConsecutiveFailures)...)
	errs = append(errs, positive("loop.idle_poll_ms", c.Loop.IdlePollMs)...)
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	errs = append(errs, nonNegative("logging.max_size_mb", c.Logging.MaxSizeMB)...)
	errs = append(errs, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)
	return errs
}
