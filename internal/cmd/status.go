package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/planloop/internal/config"
	"github.com/Iron-Ham/planloop/internal/errors"
	"github.com/Iron-Ham/planloop/internal/ipc"
	"github.com/Iron-Ham/planloop/internal/registry"
)

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the live status of an orchestrator",
	Long: `Status asks a running orchestrator for its state over the control socket:
loop state, iteration, current tasks, active tool calls and plan progress.

The id may be abbreviated to any unique prefix. If the orchestrator does
not answer, the registry record is shown instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var statusFormat string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "text", "Output format: text, json or yaml")
}

func runStatus(cmd *cobra.Command, args []string) error {
	switch statusFormat {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("invalid --format %q: expected text, json or yaml", statusFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := openRegistry(cfg, nil)
	inst, err := resolveInstance(reg, args[0])
	if err != nil {
		return err
	}

	status, err := queryStatus(cmd, cfg, inst)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s did not respond: %v\n", inst.ID, err)
		status = recordStatus(reg, inst)
	}
	return writeStatus(cmd.OutOrStdout(), statusFormat, status)
}

// resolveInstance finds a record by exact id or unique prefix.
func resolveInstance(reg *registry.Registry, ref string) (registry.Instance, error) {
	if inst, ok := reg.Get(ref); ok {
		return inst, nil
	}
	var matches []registry.Instance
	for _, inst := range reg.All() {
		if strings.HasPrefix(inst.ID, ref) {
			matches = append(matches, inst)
		}
	}
	switch len(matches) {
	case 0:
		return registry.Instance{}, errors.NewNotFoundError("orchestrator", ref).WithCause(errors.ErrInstanceNotFound)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return registry.Instance{}, fmt.Errorf("id %q is ambiguous: %s", ref, strings.Join(ids, ", "))
	}
}

func queryStatus(cmd *cobra.Command, cfg *config.Config, inst registry.Instance) (map[string]any, error) {
	if inst.SocketPath == "" {
		return nil, errors.NewIPCError("query status", errors.ErrEndpointUnavailable).WithCommand(ipc.CommandStatus)
	}
	client := ipc.NewClient(inst.SocketPath, cfg.IPC.Timeout()).WithMaxMessageBytes(cfg.IPC.MaxMessageBytes)
	status, err := client.Status(cmd.Context())
	if err != nil {
		return nil, err
	}
	if msg, ok := status["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("orchestrator error: %s", msg)
	}
	delete(status, "ack")
	return status, nil
}

// recordStatus is the fallback view built from the registry alone.
func recordStatus(reg *registry.Registry, inst registry.Instance) map[string]any {
	s := map[string]any{
		"instance_id":    inst.ID,
		"state":          health(reg, inst),
		"plan_path":      inst.PlanPath,
		"pid":            inst.PID,
		"created_at":     inst.CreatedAt.UTC().Format(time.RFC3339),
		"last_heartbeat": inst.LastHeartbeat.UTC().Format(time.RFC3339),
		"reachable":      false,
	}
	if inst.WorktreePath != "" {
		s["worktree_path"] = inst.WorktreePath
	}
	return s
}

func writeStatus(w io.Writer, format string, status map[string]any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(status); err != nil {
			return err
		}
		return enc.Close()
	default:
		writeStatusText(w, status)
		return nil
	}
}

// statusOrder lists the fields printed first in text output; anything else
// follows alphabetically.
var statusOrder = []string{
	"instance_id", "state", "plan_path", "worktree_path", "pid", "started_at",
	"current_phase", "iteration", "consecutive_failures", "current_tasks",
}

func writeStatusText(w io.Writer, status map[string]any) {
	seen := make(map[string]bool, len(status))
	printField := func(key string) {
		v, ok := status[key]
		if !ok {
			return
		}
		seen[key] = true
		switch key {
		case "tasks", "last_session":
			m, _ := v.(map[string]any)
			fmt.Fprintf(w, "%s:\n", label(key))
			for _, k := range sortedKeys(m) {
				fmt.Fprintf(w, "  %-22s %v\n", label(k)+":", m[k])
			}
		case "active_tools":
			tools, _ := v.([]any)
			fmt.Fprintf(w, "%-24s %d\n", label(key)+":", len(tools))
			for _, t := range tools {
				if tm, ok := t.(map[string]any); ok {
					fmt.Fprintf(w, "  %v (%v, %vms)\n", tm["name"], tm["id"], tm["elapsed_ms"])
				}
			}
		case "current_tasks":
			fmt.Fprintf(w, "%-24s %s\n", label(key)+":", joinAny(v))
		default:
			fmt.Fprintf(w, "%-24s %v\n", label(key)+":", v)
		}
	}

	for _, key := range statusOrder {
		printField(key)
	}
	for _, key := range sortedKeys(status) {
		if !seen[key] {
			printField(key)
		}
	}
}

func label(key string) string {
	s := strings.ReplaceAll(key, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinAny(v any) string {
	items, _ := v.([]any)
	if len(items) == 0 {
		return "-"
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprint(item)
	}
	return strings.Join(parts, ", ")
}
