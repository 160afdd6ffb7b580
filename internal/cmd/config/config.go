// Package config provides CLI commands for managing planloop configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/planloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify planloop configuration",
	Long: `View or modify planloop configuration.

Use 'config show' to display the effective configuration.
Use subcommands to modify settings or create a config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  planloop config set runner.command claude
  planloop config set loop.max_consecutive_failures 5
  planloop config set monitor.use_fsnotify false

The value is checked against the same rules applied at startup before the
file is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/planloop/config.yaml with all available options.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// Register adds the config command tree to parent.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	if _, err := appconfig.Load(); err != nil {
		fmt.Fprintf(out, "# Warning: %v\n", err)
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(viper.AllSettings()); err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	return enc.Close()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]

	if !isKnownKey(key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'planloop config show' to see valid keys", key)
	}

	current := viper.Get(key)
	value, err := coerce(current, raw)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	viper.Set(key, value)
	if _, err := appconfig.Load(); err != nil {
		viper.Set(key, current)
		return err
	}

	if err := os.MkdirAll(appconfig.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := appconfig.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, value)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

// isKnownKey reports whether key has a registered default.
func isKnownKey(key string) bool {
	for _, k := range viper.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// coerce parses raw into the type of the key's current value.
func coerce(current any, raw string) (any, error) {
	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false")
		}
		return b, nil
	case int, int64:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("expected integer")
		}
		return n, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected number")
		}
		return f, nil
	case []string, []any:
		var list []string
		if err := yaml.Unmarshal([]byte(raw), &list); err != nil {
			return nil, fmt.Errorf("expected a list such as [--model, opus]")
		}
		return list, nil
	default:
		return raw, nil
	}
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'planloop config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize planloop's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintln(out, used)
		return nil
	}
	fmt.Fprintln(out, appconfig.ConfigFile())
	return nil
}

const defaultConfigFile = `# planloop configuration
# Every key can also be set through the environment, e.g.
# PLANLOOP_RUNNER_COMMAND=claude for runner.command.

# Shared record of running orchestrators
registry:
  # Registry document; a .lock file is created next to it
  path: .planloop/orchestrators.json
  heartbeat_interval_ms: 5000
  # Running records with an older heartbeat are considered stale
  stale_threshold_ms: 30000
  # Stopped and crashed records are kept this many thresholds
  stopped_grace_multiplier: 2.0
  lock_timeout_ms: 5000

# Control sockets
ipc:
  # Empty means $TMPDIR/planloop
  socket_dir: ""
  timeout_ms: 5000
  max_message_bytes: 1048576
  accept_poll_ms: 250

# In-process event bus
events:
  queue_size: 1024
  blocking_workers: 4

# Plan state file watching
monitor:
  poll_interval_ms: 1000
  # Use file system notifications, falling back to polling
  use_fsnotify: true
  debounce_ms: 100

# Coding-agent sessions
runner:
  command: claude
  extra_args: []
  # Add --dangerously-skip-permissions
  skip_permissions: true
  # 0 disables the per-session timeout
  timeout_minutes: 30
  stop_grace_ms: 5000
  summary_max_chars: 100

# Orchestration loop
loop:
  # 0 means unlimited
  max_iterations: 0
  max_consecutive_failures: 3
  idle_poll_ms: 2000

# Debug logging (JSON lines under .planloop/logs)
logging:
  enabled: true
  level: info
  dir: ""
  max_size_mb: 10
  max_backups: 3
  compress: false
`
