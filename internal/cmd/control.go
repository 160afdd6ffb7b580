package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/planloop/internal/ipc"
	"github.com/Iron-Ham/planloop/internal/registry"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [id...]",
	Short: "Stop orchestrators from starting new sessions",
	Long: `Pause lets the current session of each orchestrator finish and then holds
the loop until it is resumed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, args, ipc.CommandPause, nil, pauseAll)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [id...]",
	Short: "Resume paused orchestrators",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, args, ipc.CommandResume, nil, resumeAll)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [id...]",
	Short: "Shut down orchestrators",
	Long: `Stop asks each orchestrator to shut down after its current session.
With --force the running coding-agent session is terminated as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, args, ipc.CommandShutdown, map[string]any{"force": stopForce}, stopAll)
	},
}

var (
	pauseAll  bool
	resumeAll bool
	stopAll   bool
	stopForce bool
)

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)

	pauseCmd.Flags().BoolVarP(&pauseAll, "all", "a", false, "Pause every running orchestrator")
	resumeCmd.Flags().BoolVarP(&resumeAll, "all", "a", false, "Resume every running orchestrator")
	stopCmd.Flags().BoolVarP(&stopAll, "all", "a", false, "Stop every running orchestrator")
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "Terminate the running session immediately")
}

// runControl delivers command to the selected orchestrators at once and
// reports each outcome. It fails if any delivery failed or was refused.
func runControl(cmd *cobra.Command, args []string, command string, payload map[string]any, all bool) error {
	if len(args) == 0 && !all {
		return fmt.Errorf("specify one or more instance ids, or --all")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := openRegistry(cfg, nil)

	var targets []registry.Instance
	if all {
		targets = reg.Running()
	}
	for _, ref := range args {
		inst, err := resolveInstance(reg, ref)
		if err != nil {
			return err
		}
		targets = append(targets, inst)
	}

	out := cmd.OutOrStdout()
	if len(targets) == 0 {
		fmt.Fprintln(out, "No running orchestrators.")
		return nil
	}

	byPath := make(map[string]string, len(targets))
	var paths []string
	var failed int
	for _, inst := range targets {
		if inst.SocketPath == "" {
			fmt.Fprintf(out, "%s: no control socket recorded\n", inst.ID)
			failed++
			continue
		}
		if _, dup := byPath[inst.SocketPath]; dup {
			continue
		}
		byPath[inst.SocketPath] = inst.ID
		paths = append(paths, inst.SocketPath)
	}

	results := ipc.Broadcast(cmd.Context(), paths, command, payload, cfg.IPC.Timeout())
	failed += reportResults(out, command, byPath, results)
	if failed > 0 {
		return fmt.Errorf("%s failed for %d of %d orchestrator(s)", command, failed, len(targets))
	}
	return nil
}

// reportResults prints one line per endpoint in id order and returns how
// many were not acknowledged.
func reportResults(w io.Writer, command string, ids map[string]string, results map[string]ipc.BroadcastResult) int {
	paths := make([]string, 0, len(results))
	for path := range results {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return ids[paths[i]] < ids[paths[j]] })

	failed := 0
	for _, path := range paths {
		res := results[path]
		id := ids[path]
		switch {
		case res.Err != nil:
			failed++
			fmt.Fprintf(w, "%s: unreachable: %v\n", id, res.Err)
		case !res.Acked():
			failed++
			if msg, ok := res.Payload["error"].(string); ok && msg != "" {
				fmt.Fprintf(w, "%s: %s refused: %s\n", id, command, msg)
			} else {
				fmt.Fprintf(w, "%s: %s refused (state %v)\n", id, command, res.Payload["state"])
			}
		default:
			fmt.Fprintf(w, "%s: %s acknowledged\n", id, command)
		}
	}
	return failed
}
