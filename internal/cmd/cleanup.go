package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale orchestrator records from the registry",
	Long: `Cleanup removes registry records left behind by orchestrators that exited
without unregistering:

- Running records whose process is gone or whose heartbeat is older than
  the threshold
- Stopping, stopped and crashed records older than the threshold times
  registry.stopped_grace_multiplier

Healthy orchestrators are never removed.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var cleanupThreshold time.Duration

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&cleanupThreshold, "threshold", 0, "Heartbeat age considered stale (default: registry.stale_threshold_ms)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	defer func() { _ = logger.Close() }()

	removed, err := openRegistry(cfg, logger).CleanupStale(cmd.Context(), cleanupThreshold)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(removed) == 0 {
		fmt.Fprintln(out, "No stale orchestrators found.")
		return nil
	}
	fmt.Fprintf(out, "Removed %d stale orchestrator(s):\n", len(removed))
	for _, id := range removed {
		fmt.Fprintf(out, "  - %s\n", id)
	}
	return nil
}
