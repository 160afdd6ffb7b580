package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	configcmd "github.com/Iron-Ham/planloop/internal/cmd/config"
	"github.com/Iron-Ham/planloop/internal/config"
	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/logging"
	"github.com/Iron-Ham/planloop/internal/registry"
)

var rootCmd = &cobra.Command{
	Use:   "planloop",
	Short: "Drive coding-agent sessions through a task plan",
	Long: `Planloop runs a coding agent against a plan of tasks, one session at a
time, until every task is done. Each running loop registers itself in a
shared registry and listens on a control socket, so other planloop
commands can list, inspect, pause, resume and stop it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and reports any error on stderr
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		reportError(rootCmd, err)
	}
	return err
}

// reportError prints err with a hint for transient failures. Planloop
// errors not marked user-facing are tagged with their severity.
func reportError(cmd *cobra.Command, err error) {
	w := cmd.ErrOrStderr()
	if errors.IsUserFacing(err) || !isPlanloopError(err) {
		fmt.Fprintf(w, "Error: %v\n", err)
	} else {
		fmt.Fprintf(w, "Error (%s): %v\n", errors.GetSeverity(err), err)
	}
	if errors.IsRetryable(err) {
		fmt.Fprintln(w, "This looks transient; try the command again.")
	}
}

func isPlanloopError(err error) bool {
	var pe errors.PlanloopError
	return errors.As(err, &pe)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/planloop/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	configcmd.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(config.ProjectDir)
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PLANLOOP")
	// PLANLOOP_REGISTRY_PATH for registry.path
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// loadConfig returns the validated configuration for a command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger opens the debug log for long-running commands. Logging failures
// never prevent the command from running.
func newLogger(cmd *cobra.Command, cfg *config.Config) *logging.Logger {
	if !cfg.Logging.Enabled {
		return logging.NopLogger()
	}
	dir := cfg.LogDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: debug logging disabled: %v\n", err)
		return logging.NopLogger()
	}
	logger, err := logging.NewLoggerWithRotation(dir, cfg.Logging.Level, cfg.Logging.Rotation())
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: debug logging disabled: %v\n", err)
		return logging.NopLogger()
	}
	return logger
}

func openRegistry(cfg *config.Config, logger *logging.Logger) *registry.Registry {
	if dir := filepath.Dir(cfg.Registry.Path); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	return registry.New(cfg.Registry.Path, registry.Options{
		StaleThreshold:  cfg.Registry.StaleThreshold(),
		LockTimeout:     cfg.Registry.LockTimeout(),
		GraceMultiplier: cfg.Registry.StoppedGraceMultiplier,
		Logger:          logger,
	})
}

// isTerminal reports whether w is an interactive terminal, which decides
// between styled and plain output.
func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
