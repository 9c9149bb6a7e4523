package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentmesh/internal/agent"
)

// AgentRow is one line of the agent table.
type AgentRow struct {
	ID           string
	Department   string
	Capabilities []string
	Status       string
	Circuit      string
	Health       float64
	Queue        int
	Stats        agent.Stats
}

// AgentRowOf snapshots a runtime.
func AgentRowOf(ctx context.Context, rt *agent.Runtime) AgentRow {
	spec := rt.Spec()
	health, err := rt.Health(ctx)
	if err != nil {
		health = 0
	}
	return AgentRow{
		ID:           spec.ID,
		Department:   spec.DepartmentID,
		Capabilities: spec.Capabilities,
		Status:       string(rt.Status()),
		Circuit:      rt.Breaker().State().String(),
		Health:       health,
		Queue:        rt.QueueLength(),
		Stats:        rt.Stats(),
	}
}

var agentColumns = []struct {
	title string
	width int
}{
	{"AGENT", 18},
	{"DEPT", 12},
	{"STATUS", 12},
	{"CIRCUIT", 11},
	{"HEALTH", 7},
	{"OK/FAIL", 9},
	{"P95", 9},
	{"CAPABILITIES", 0},
}

// AgentTable renders rows as a fixed-width table.
func AgentTable(rows []AgentRow) string {
	if len(rows) == 0 {
		return StyleHelp.Render("No agents registered.") + "\n"
	}

	var b strings.Builder
	header := make([]string, len(agentColumns))
	for i, c := range agentColumns {
		header[i] = cell(StyleHeader, c.title, c.width)
	}
	b.WriteString(strings.Join(header, " "))
	b.WriteString("\n")

	for _, r := range rows {
		dept := r.Department
		if dept == "" {
			dept = "-"
		}
		fields := []string{
			cell(lipgloss.NewStyle(), truncate(r.ID, agentColumns[0].width), agentColumns[0].width),
			cell(lipgloss.NewStyle(), truncate(dept, agentColumns[1].width), agentColumns[1].width),
			cell(lipgloss.NewStyle(), StatusIcon(r.Status)+" "+r.Status, agentColumns[2].width),
			cell(lipgloss.NewStyle(), StatusIcon(r.Circuit)+" "+r.Circuit, agentColumns[3].width),
			cell(lipgloss.NewStyle(), fmt.Sprintf("%.2f", r.Health), agentColumns[4].width),
			cell(lipgloss.NewStyle(), fmt.Sprintf("%d/%d", r.Stats.Completed, r.Stats.Failed), agentColumns[5].width),
			cell(lipgloss.NewStyle(), r.Stats.P95.String(), agentColumns[6].width),
			strings.Join(r.Capabilities, ","),
		}
		b.WriteString(strings.Join(fields, " "))
		b.WriteString("\n")
	}
	return b.String()
}

// cell pads s to width. A zero width leaves s as is.
func cell(style lipgloss.Style, s string, width int) string {
	if width == 0 {
		return style.Render(s)
	}
	return style.Width(width).Render(s)
}

func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}
