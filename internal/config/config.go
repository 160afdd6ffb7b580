package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/planloop/internal/logging"
)

// Config represents the complete planloop configuration
type Config struct {
	Registry RegistryConfig `mapstructure:"registry"`
	IPC      IPCConfig      `mapstructure:"ipc"`
	Events   EventsConfig   `mapstructure:"events"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Loop     LoopConfig     `mapstructure:"loop"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RegistryConfig controls the shared instance registry
type RegistryConfig struct {
	// Path is the registry document. Relative paths resolve against the
	// working directory of the process.
	Path string `mapstructure:"path"`
	// HeartbeatIntervalMs is how often a running orchestrator refreshes its record
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	// StaleThresholdMs is the heartbeat age after which a running record is stale
	StaleThresholdMs int `mapstructure:"stale_threshold_ms"`
	// StoppedGraceMultiplier scales the threshold for stopping/stopped/crashed records
	StoppedGraceMultiplier float64 `mapstructure:"stopped_grace_multiplier"`
	// LockTimeoutMs bounds how long a mutation waits for the registry lock
	LockTimeoutMs int `mapstructure:"lock_timeout_ms"`
}

// HeartbeatInterval returns the heartbeat period as a Duration
func (c *RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// StaleThreshold returns the staleness threshold as a Duration
func (c *RegistryConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}

// LockTimeout returns the lock acquisition timeout as a Duration
func (c *RegistryConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// IPCConfig controls the per-instance control sockets
type IPCConfig struct {
	// SocketDir holds one socket per orchestrator. Empty means $TMPDIR/planloop.
	SocketDir       string `mapstructure:"socket_dir"`
	TimeoutMs       int    `mapstructure:"timeout_ms"`
	MaxMessageBytes int    `mapstructure:"max_message_bytes"`
	AcceptPollMs    int    `mapstructure:"accept_poll_ms"`
}

// ResolveSocketDir returns SocketDir, or the default under os.TempDir.
func (c *IPCConfig) ResolveSocketDir() string {
	if c.SocketDir != "" {
		return c.SocketDir
	}
	return filepath.Join(os.TempDir(), "planloop")
}

// Timeout returns the client request timeout as a Duration
func (c *IPCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// AcceptPoll returns the join timeout used when stopping the accept loop
func (c *IPCConfig) AcceptPoll() time.Duration {
	return time.Duration(c.AcceptPollMs) * time.Millisecond
}

// EventsConfig controls the in-process event bus
type EventsConfig struct {
	QueueSize       int `mapstructure:"queue_size"`
	BlockingWorkers int `mapstructure:"blocking_workers"`
}

// MonitorConfig controls the plan status monitor
type MonitorConfig struct {
	PollIntervalMs int  `mapstructure:"poll_interval_ms"`
	UseFsnotify    bool `mapstructure:"use_fsnotify"`
	DebounceMs     int  `mapstructure:"debounce_ms"`
}

// PollInterval returns the polling period as a Duration
func (c *MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Debounce returns the file event debounce window as a Duration
func (c *MonitorConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// RunnerConfig controls how coding-agent sessions are launched
type RunnerConfig struct {
	// Command is the agent executable (looked up on PATH)
	Command string `mapstructure:"command"`
	// ExtraArgs are appended after the standard stream-json flags
	ExtraArgs []string `mapstructure:"extra_args"`
	// SkipPermissions adds --dangerously-skip-permissions
	SkipPermissions bool `mapstructure:"skip_permissions"`
	// TimeoutMinutes bounds a single session; 0 disables the timeout
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// StopGraceMs is the delay between SIGTERM and SIGKILL
	StopGraceMs int `mapstructure:"stop_grace_ms"`
	// SummaryMaxChars truncates string tool inputs in tool_started events
	SummaryMaxChars int `mapstructure:"summary_max_chars"`
}

// Timeout returns the per-session timeout as a Duration
func (c *RunnerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// StopGrace returns the SIGTERM to SIGKILL delay as a Duration
func (c *RunnerConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMs) * time.Millisecond
}

// LoopConfig controls the orchestration loop
type LoopConfig struct {
	// MaxIterations caps the number of sessions; 0 means unlimited
	MaxIterations int `mapstructure:"max_iterations"`
	// MaxConsecutiveFailures stops the loop after this many failed sessions in a row
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	// IdlePollMs is the wait between plan reloads when no task is ready
	IdlePollMs int `mapstructure:"idle_poll_ms"`
}

// IdlePoll returns the idle wait as a Duration
func (c *LoopConfig) IdlePoll() time.Duration {
	return time.Duration(c.IdlePollMs) * time.Millisecond
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
	// Dir is the log directory. Empty means .planloop/logs next to the registry.
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Rotation converts the logging section into a logging.RotationConfig
func (c *LoggingConfig) Rotation() logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	}
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Path:                   filepath.Join(".planloop", "orchestrators.json"),
			HeartbeatIntervalMs:    5000,
			StaleThresholdMs:       30000,
			StoppedGraceMultiplier: 2.0,
			LockTimeoutMs:          5000,
		},
		IPC: IPCConfig{
			SocketDir:       "",
			TimeoutMs:       5000,
			MaxMessageBytes: 1 << 20,
			AcceptPollMs:    250,
		},
		Events: EventsConfig{
			QueueSize:       1024,
			BlockingWorkers: 4,
		},
		Monitor: MonitorConfig{
			PollIntervalMs: 1000,
			UseFsnotify:    true,
			DebounceMs:     100,
		},
		Runner: RunnerConfig{
			Command:         "claude",
			ExtraArgs:       []string{},
			SkipPermissions: true,
			TimeoutMinutes:  30,
			StopGraceMs:     5000,
			SummaryMaxChars: 100,
		},
		Loop: LoopConfig{
			MaxIterations:          0,
			MaxConsecutiveFailures: 3,
			IdlePollMs:             2000,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Registry defaults
	viper.SetDefault("registry.path", defaults.Registry.Path)
	viper.SetDefault("registry.heartbeat_interval_ms", defaults.Registry.HeartbeatIntervalMs)
	viper.SetDefault("registry.stale_threshold_ms", defaults.Registry.StaleThresholdMs)
	viper.SetDefault("registry.stopped_grace_multiplier", defaults.Registry.StoppedGraceMultiplier)
	viper.SetDefault("registry.lock_timeout_ms", defaults.Registry.LockTimeoutMs)

	// IPC defaults
	viper.SetDefault("ipc.socket_dir", defaults.IPC.SocketDir)
	viper.SetDefault("ipc.timeout_ms", defaults.IPC.TimeoutMs)
	viper.SetDefault("ipc.max_message_bytes", defaults.IPC.MaxMessageBytes)
	viper.SetDefault("ipc.accept_poll_ms", defaults.IPC.AcceptPollMs)

	// Event bus defaults
	viper.SetDefault("events.queue_size", defaults.Events.QueueSize)
	viper.SetDefault("events.blocking_workers", defaults.Events.BlockingWorkers)

	// Monitor defaults
	viper.SetDefault("monitor.poll_interval_ms", defaults.Monitor.PollIntervalMs)
	viper.SetDefault("monitor.use_fsnotify", defaults.Monitor.UseFsnotify)
	viper.SetDefault("monitor.debounce_ms", defaults.Monitor.DebounceMs)

	// Runner defaults
	viper.SetDefault("runner.command", defaults.Runner.Command)
	viper.SetDefault("runner.extra_args", defaults.Runner.ExtraArgs)
	viper.SetDefault("runner.skip_permissions", defaults.Runner.SkipPermissions)
	viper.SetDefault("runner.timeout_minutes", defaults.Runner.TimeoutMinutes)
	viper.SetDefault("runner.stop_grace_ms", defaults.Runner.StopGraceMs)
	viper.SetDefault("runner.summary_max_chars", defaults.Runner.SummaryMaxChars)

	// Loop defaults
	viper.SetDefault("loop.max_iterations", defaults.Loop.MaxIterations)
	viper.SetDefault("loop.max_consecutive_failures", defaults.Loop.MaxConsecutiveFailures)
	viper.SetDefault("loop.idle_poll_ms", defaults.Loop.IdlePollMs)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if it
// cannot be loaded
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "planloop")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".planloop"
	}
	return filepath.Join(home, ".config", "planloop")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ProjectDir is the per-repository state directory holding the registry,
// logs, and the optional project config file.
const ProjectDir = ".planloop"

// LogDir returns the directory debug logs are written to
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(filepath.Dir(c.Registry.Path), "logs")
}
