package tui

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aristath/agentmesh/internal/orchestrator"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/workflow"
)

// WorkflowReport renders a finished run, steps in completion order
// followed by steps that never ran.
func WorkflowReport(res *workflow.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s) %s in %s\n",
		StatusIcon(string(res.State)), StyleTitle.Render(res.Name), res.WorkflowID, res.State, res.Duration.Round(time.Millisecond))

	seen := make(map[string]bool, len(res.Order))
	for _, id := range res.Order {
		seen[id] = true
		writeStep(&b, id, res.Steps[id])
	}
	for _, id := range slices.Sorted(maps.Keys(res.Steps)) {
		if !seen[id] {
			writeStep(&b, id, res.Steps[id])
		}
	}
	return b.String()
}

func writeStep(b *strings.Builder, id string, s workflow.StepResult) {
	status := s.Status.String()
	fmt.Fprintf(b, "  %s %-20s %s", StatusIcon(status), id, status)
	switch {
	case s.Status == workflow.StepFailed:
		fmt.Fprintf(b, "  %s", StyleStatusFailed.Render(s.Response.Error))
	case s.Status == workflow.StepCompleted:
		fmt.Fprintf(b, "  confidence %.2f", s.Response.Metadata.Confidence)
	}
	b.WriteString("\n")
}

// TaskReport renders each agent's response to a task and the canonical one.
func TaskReport(taskID string, results map[string]task.Response, canonical *task.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", StyleHeader.Render("task"), taskID)
	for _, id := range slices.Sorted(maps.Keys(results)) {
		r := results[id]
		if r.Success {
			fmt.Fprintf(&b, "  %s %-18s confidence %.2f  %s\n", StatusIcon("completed"), id, r.Metadata.Confidence, compact(r.Data))
		} else {
			fmt.Fprintf(&b, "  %s %-18s %s\n", StatusIcon("failed"), id, StyleStatusFailed.Render(r.Error))
		}
	}
	if canonical != nil {
		b.WriteString(StyleBox.Render("result " + compact(canonical.Data)))
		b.WriteString("\n")
	} else {
		b.WriteString(StyleWarnBox.Render("no agent succeeded"))
		b.WriteString("\n")
	}
	return b.String()
}

// InsightsReport renders agent rankings for one task type and the top
// coordination bottlenecks.
func InsightsReport(taskType string, scores []orchestrator.AgentScore, bottlenecks []orchestrator.Bottleneck) string {
	var b strings.Builder
	if taskType != "" {
		fmt.Fprintf(&b, "%s %s\n", StyleHeader.Render("ranking for"), taskType)
		if len(scores) == 0 {
			b.WriteString(StyleHelp.Render("  no capable agents") + "\n")
		}
		for i, s := range scores {
			fmt.Fprintf(&b, "  %d. %-18s score %.2f  %d runs  success %.0f%%\n",
				i+1, s.AgentID, s.Score, s.Assignments, s.SuccessRate*100)
		}
	}
	b.WriteString(StyleHeader.Render("bottlenecks") + "\n")
	if len(bottlenecks) == 0 {
		b.WriteString(StyleHelp.Render("  graph is empty") + "\n")
	}
	for _, n := range bottlenecks {
		fmt.Fprintf(&b, "  %-24s %-10s betweenness %.2f  degree %d\n", n.ID, n.Type, n.Betweenness, n.Degree)
	}
	return b.String()
}

func compact(data map[string]any) string {
	if len(data) == 0 {
		return "{}"
	}
	out, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(out)
}
