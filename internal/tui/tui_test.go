package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aristath/agentmesh/internal/agent"
	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/graph"
	"github.com/aristath/agentmesh/internal/orchestrator"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/workflow"
)

func TestProgressCounts(t *testing.T) {
	p := NewProgress("nightly", 4)
	p.Apply(events.WorkflowProgressEvent{StepID: "a", Success: true, TotalSteps: 4})
	p.Apply(events.WorkflowProgressEvent{StepID: "b", Success: false, TotalSteps: 4})

	if got := p.Done(); got != 2 {
		t.Errorf("Done() = %d, want 2", got)
	}
	view := p.View()
	for _, want := range []string{"nightly", "Last:", "b", "2/4"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestProgressWithoutSteps(t *testing.T) {
	p := NewProgress("empty", 0)
	p.SetWidth(2)
	if strings.Contains(p.View(), "[") {
		t.Error("expected no bar for a workflow without steps")
	}
}

func TestAgentTable(t *testing.T) {
	if got := AgentTable(nil); !strings.Contains(got, "No agents") {
		t.Errorf("empty table = %q", got)
	}

	rt := agent.NewRuntime(agent.Spec{ID: "sales-analyst-with-a-long-name", DepartmentID: "sales", Capabilities: []string{"pricing", "forecast"}},
		agent.HandlerFunc(func(ctx context.Context, t task.Task) (task.Response, error) {
			return task.Response{Success: true}, nil
		}), agent.Options{})
	defer rt.Close()

	row := AgentRowOf(context.Background(), rt)
	if row.Circuit != "closed" || row.Health != 1 {
		t.Errorf("row = %+v", row)
	}

	table := AgentTable([]AgentRow{row})
	lines := strings.Split(strings.TrimSpace(table), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header and one row:\n%s", len(lines), table)
	}
	for _, want := range []string{"sales-analyst-w...", "sales", "pricing,forecast", "1.00"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row missing %q: %s", want, lines[1])
		}
	}
}

func TestWorkflowReport(t *testing.T) {
	res := &workflow.Result{
		WorkflowID: "wf-1",
		Name:       "quarterly",
		State:      workflow.StateStalled,
		Steps: map[string]workflow.StepResult{
			"collect": {Status: workflow.StepFailed, Response: task.Failed(errors.New("source offline"), 0)},
			"report":  {Status: workflow.StepPending},
		},
		Order:    []string{"collect"},
		Duration: 1500 * time.Millisecond,
	}
	out := WorkflowReport(res)
	for _, want := range []string{"quarterly", "stalled", "source offline", "report", "1.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "collect") > strings.Index(out, "report ") {
		t.Error("finished steps should come first")
	}
}

func TestTaskReport(t *testing.T) {
	results := map[string]task.Response{
		"finance-1": {Success: true, Data: map[string]any{"price": 110}, Metadata: task.Metadata{Confidence: 0.9}},
		"sales-1":   task.Failed(errors.New("timeout"), 0),
	}
	canonical := results["finance-1"]

	out := TaskReport("t-1", results, &canonical)
	for _, want := range []string{"t-1", "finance-1", "0.90", "timeout", `{"price":110}`} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(TaskReport("t-2", nil, nil), "no agent succeeded") {
		t.Error("expected failure box without a canonical result")
	}
}

func TestInsightsReport(t *testing.T) {
	out := InsightsReport("pricing",
		[]orchestrator.AgentScore{{AgentID: "steady", Score: 0.97, Assignments: 3, SuccessRate: 1}},
		[]orchestrator.Bottleneck{{ID: "sales", Type: graph.NodeDepartment, Betweenness: 3, Degree: 4}})
	for _, want := range []string{"pricing", "1. steady", "0.97", "100%", "sales", "department", "3.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestStatusIcon(t *testing.T) {
	if StatusIcon("completed") == StatusIcon("failed") {
		t.Error("completed and failed should render differently")
	}
}
