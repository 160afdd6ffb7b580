package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/planloop/internal/registry"
	"github.com/Iron-Ham/planloop/internal/util"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List orchestrator instances",
	Long: `List shows the orchestrators recorded in the registry. By default only
running instances are shown; --all includes stopping, stopped and crashed
records that have not been cleaned up yet.

--plan filters by plan path with a glob pattern, for example
'planloop list --plan "**/billing/*"'.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var (
	listAll  bool
	listPlan string
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include instances that are not running")
	listCmd.Flags().StringVar(&listPlan, "plan", "", "Only show instances whose plan path matches this glob")
}

// maxPlanWidth keeps the plan column readable on narrow terminals.
const maxPlanWidth = 60

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	staleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	deadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	crashedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := openRegistry(cfg, nil)

	instances, err := filterInstances(reg, listAll, listPlan)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(instances) == 0 {
		fmt.Fprintln(out, "No orchestrators found.")
		return nil
	}
	renderInstances(out, reg, instances, time.Now(), isTerminal(out))
	return nil
}

// filterInstances selects registry records for display.
func filterInstances(reg *registry.Registry, all bool, planPattern string) ([]registry.Instance, error) {
	var match glob.Glob
	if planPattern != "" {
		g, err := glob.Compile(planPattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid --plan pattern %q: %w", planPattern, err)
		}
		match = g
	}

	var out []registry.Instance
	for _, inst := range reg.All() {
		if !all && inst.Status != registry.StatusRunning {
			continue
		}
		if match != nil && !match.Match(inst.PlanPath) {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// health describes a record for people: running records are "healthy" or
// "stale" depending on heartbeat and process liveness.
func health(reg *registry.Registry, inst registry.Instance) string {
	if inst.Status != registry.StatusRunning {
		return string(inst.Status)
	}
	if reg.IsHealthy(inst) {
		return "healthy"
	}
	return "stale"
}

func renderInstances(w io.Writer, reg *registry.Registry, instances []registry.Instance, now time.Time, styled bool) {
	headers := []string{"ID", "STATUS", "PID", "HEARTBEAT", "PLAN"}
	rows := make([][]string, 0, len(instances))
	for _, inst := range instances {
		rows = append(rows, []string{
			inst.ID,
			health(reg, inst),
			fmt.Sprint(inst.PID),
			formatAge(now.Sub(inst.LastHeartbeat)) + " ago",
			util.TruncateLeft(inst.PlanPath, maxPlanWidth),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	line := func(cells []string, style func(col int, cell string) string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			padded := cell
			if i < len(cells)-1 {
				padded += strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			if styled && style != nil {
				padded = style(i, padded)
			}
			parts[i] = padded
		}
		return strings.Join(parts, "  ")
	}

	fmt.Fprintln(w, line(headers, func(_ int, cell string) string { return headerStyle.Render(cell) }))
	for _, row := range rows {
		fmt.Fprintln(w, line(row, func(col int, cell string) string {
			if col != 1 {
				return cell
			}
			return statusStyle(strings.TrimSpace(cell)).Render(cell)
		}))
	}
}

func statusStyle(h string) lipgloss.Style {
	switch h {
	case "healthy":
		return runningStyle
	case "stale":
		return staleStyle
	case string(registry.StatusCrashed):
		return crashedStyle
	default:
		return deadStyle
	}
}

// formatAge renders d coarsely: 12s, 4m, 3h, 2d.
func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
