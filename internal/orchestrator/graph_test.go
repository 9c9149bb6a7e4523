package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentmesh/internal/agent"
	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/graph"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/workflow"
)

func newProjection(t *testing.T, specs ...agent.Spec) *GraphOrchestrator {
	t.Helper()
	o := NewGraphOrchestrator(graph.NewStore(), nil)
	for _, s := range specs {
		require.NoError(t, o.RegisterAgent(s))
	}
	return o
}

func collaboration(id, taskType string, results map[string]task.Response, agents ...string) events.CollaborationCompletedEvent {
	ev := events.CollaborationCompletedEvent{
		ID:        id,
		TaskType:  taskType,
		Strategy:  "parallel",
		Agents:    agents,
		Results:   results,
		Timestamp: time.Now(),
	}
	for _, a := range agents {
		if r, ok := results[a]; ok && r.Success {
			ev.Canonical = &r
			ev.Confidence = r.Metadata.Confidence
			break
		}
	}
	return ev
}

func ok(confidence float64) task.Response {
	return task.Response{Success: true, Metadata: task.Metadata{Confidence: confidence}}
}

func TestRegisterAgentLinksDepartment(t *testing.T) {
	o := newProjection(t,
		agent.Spec{ID: "s1", Name: "Sales one", DepartmentID: "sales", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "s2", DepartmentID: "sales", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "solo", Capabilities: []string{"audit"}},
	)
	g := o.Graph()

	dept, err := g.GetNode("sales")
	require.NoError(t, err)
	assert.Equal(t, graph.NodeDepartment, dept.Type)

	a, err := g.GetNode("s1")
	require.NoError(t, err)
	assert.Equal(t, graph.NodeAgent, a.Type)
	assert.Equal(t, "Sales one", a.Properties[PropName])
	assert.Equal(t, []string{"pricing"}, a.Properties[PropCapabilities])

	_, err = g.GetEdge(graph.EdgeID("s1", graph.EdgeMemberOf, "sales"))
	assert.NoError(t, err)
	_, err = g.GetEdge(graph.EdgeID("s2", graph.EdgeMemberOf, "sales"))
	assert.NoError(t, err)

	nodes, edges := g.Len()
	assert.Equal(t, 4, nodes)
	assert.Equal(t, 2, edges)
}

func TestRecordCollaboration(t *testing.T) {
	o := newProjection(t,
		agent.Spec{ID: "a1", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "a2", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "a3", Capabilities: []string{"pricing"}},
	)
	g := o.Graph()

	ev := collaboration("t1", "pricing", map[string]task.Response{
		"a2": ok(0.9),
		"a1": {Success: false, Error: "boom"},
	}, "a2", "a1", "a3") // a3 was chosen but never ran
	require.NoError(t, o.RecordCollaboration(ev))

	node, err := g.GetNode("t1")
	require.NoError(t, err)
	assert.Equal(t, graph.NodeTask, node.Type)
	assert.Equal(t, "pricing", node.Properties[PropTaskType])
	assert.Equal(t, true, node.Properties[PropSuccess])

	e, err := g.GetEdge(graph.EdgeID("a1", graph.EdgeAssignedTo, "t1"))
	require.NoError(t, err)
	assert.Equal(t, false, e.Properties[PropSuccess])
	_, err = g.GetEdge(graph.EdgeID("a3", graph.EdgeAssignedTo, "t1"))
	assert.True(t, errors.Is(err, graph.ErrEdgeNotFound))

	collab := graph.EdgeID("a1", graph.EdgeCollaboratesWith, "a2")
	e, err = g.GetEdge(collab)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Properties[PropCount])

	require.NoError(t, o.RecordCollaboration(collaboration("t2", "pricing", map[string]task.Response{
		"a1": ok(0.5), "a2": ok(0.6),
	}, "a1", "a2")))
	e, err = g.GetEdge(collab)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Properties[PropCount])
}

func TestFindOptimalAgent(t *testing.T) {
	o := newProjection(t,
		agent.Spec{ID: "steady", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "flaky", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "fresh", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "other", Capabilities: []string{"audit"}},
	)

	require.NoError(t, o.RecordCollaboration(collaboration("t1", "pricing", map[string]task.Response{
		"steady": ok(0.9), "flaky": ok(0.8),
	}, "steady", "flaky")))
	require.NoError(t, o.RecordCollaboration(collaboration("t2", "pricing", map[string]task.Response{
		"steady": ok(0.9), "flaky": {Success: false},
	}, "steady", "flaky")))
	// History for another task type does not count.
	require.NoError(t, o.RecordCollaboration(collaboration("t3", "forecast", map[string]task.Response{
		"flaky": ok(1),
	}, "flaky")))

	best, err := o.FindOptimalAgent("pricing")
	require.NoError(t, err)
	assert.Equal(t, "steady", best)

	ranked := o.RankAgents("pricing")
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"steady", "fresh", "flaky"}, []string{ranked[0].AgentID, ranked[1].AgentID, ranked[2].AgentID})
	assert.InDelta(t, 0.97, ranked[0].Score, 1e-9)
	assert.InDelta(t, 0.5, ranked[1].Score, 1e-9)
	assert.InDelta(t, 0.5*0.7+0.4*0.3, ranked[2].Score, 1e-9)
	assert.Equal(t, 2, ranked[2].Assignments)

	_, err = o.FindOptimalAgent("legal")
	assert.True(t, errors.Is(err, task.ErrNoAgentsAvailable))
}

func TestFindOptimalAgentTieBreaks(t *testing.T) {
	o := newProjection(t,
		agent.Spec{ID: "b", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "a", Capabilities: []string{"pricing"}},
	)
	best, err := o.FindOptimalAgent("pricing")
	require.NoError(t, err)
	assert.Equal(t, "a", best)
}

func TestBottlenecks(t *testing.T) {
	o := newProjection(t,
		agent.Spec{ID: "s1", DepartmentID: "sales", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "s2", DepartmentID: "sales", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "s3", DepartmentID: "sales", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "f1", DepartmentID: "finance", Capabilities: []string{"budget"}},
	)

	top := o.Bottlenecks(1)
	require.Len(t, top, 1)
	assert.Equal(t, "sales", top[0].ID)
	assert.Equal(t, graph.NodeDepartment, top[0].Type)
	assert.Equal(t, 3.0, top[0].Betweenness)
	assert.Equal(t, 3, top[0].Degree)

	all := o.Bottlenecks(0)
	nodes, _ := o.Graph().Len()
	assert.Len(t, all, nodes)
}

func TestRecommendCollaborators(t *testing.T) {
	o := newProjection(t,
		agent.Spec{ID: "a1", DepartmentID: "sales", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "a2", DepartmentID: "sales", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "a3", DepartmentID: "sales", Capabilities: []string{"pricing"}},
		agent.Spec{ID: "x1", DepartmentID: "legal", Capabilities: []string{"review"}},
	)
	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, o.RecordCollaboration(collaboration(id, "pricing", map[string]task.Response{
			"a1": ok(0.9), "a2": ok(0.9),
		}, "a1", "a2")))
	}

	recs, err := o.RecommendCollaborators("a1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a2", recs[0].AgentID)
	assert.Equal(t, 2, recs[0].Weight)
	assert.Equal(t, "a3", recs[1].AgentID)
	assert.Zero(t, recs[1].Weight)

	recs, err = o.RecommendCollaborators("a1", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = o.RecommendCollaborators("x1", 5)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = o.RecommendCollaborators("ghost", 5)
	assert.True(t, errors.Is(err, graph.ErrNodeNotFound))
	_, err = o.RecommendCollaborators("sales", 5)
	assert.Error(t, err)
}

func TestWorkflowProjection(t *testing.T) {
	o := newProjection(t)
	g := o.Graph()

	wf := workflow.Workflow{ID: "wf-1", Name: "quarterly", Steps: []workflow.Step{
		{ID: "a", TaskType: "collect"},
		{ID: "b", TaskType: "analyze", DependsOn: []string{"a", "missing"}},
	}}
	require.NoError(t, o.RecordWorkflow(wf))

	n, err := g.GetNode("wf-1")
	require.NoError(t, err)
	assert.Equal(t, graph.NodeWorkflow, n.Type)
	assert.Equal(t, 2, n.Properties[PropTotal])

	_, err = g.GetEdge(graph.EdgeID("wf-1", graph.EdgeWorkflowStep, "wf-1/a"))
	assert.NoError(t, err)
	_, err = g.GetEdge(graph.EdgeID("wf-1/b", graph.EdgeDependsOn, "wf-1/a"))
	assert.NoError(t, err)
	_, edges := g.Len()
	assert.Equal(t, 3, edges)

	require.NoError(t, o.Apply(events.WorkflowProgressEvent{WorkflowID: "wf-1", StepID: "a", Success: true, CompletedSteps: 1, TotalSteps: 2}))
	require.NoError(t, o.Apply(events.WorkflowProgressEvent{WorkflowID: "wf-1", StepID: "b", Success: false, CompletedSteps: 2, TotalSteps: 2}))
	step, err := g.GetNode("wf-1/b")
	require.NoError(t, err)
	assert.Equal(t, "failed", step.Properties[PropStatus])

	require.NoError(t, o.Apply(events.WorkflowCompletedEvent{WorkflowID: "wf-1", Duration: 1500 * time.Millisecond}))
	n, err = g.GetNode("wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n.Properties[PropCompleted])
	assert.Equal(t, string(workflow.StateCompleted), n.Properties[PropStatus])
	assert.Equal(t, int64(1500), n.Properties[PropDurationMs])

	// Events about workflows the graph never saw are ignored.
	assert.NoError(t, o.Apply(events.WorkflowStalledEvent{WorkflowID: "unknown"}))
}

func TestRecoveryMonitor(t *testing.T) {
	o := newProjection(t, agent.Spec{ID: "a1", Capabilities: []string{"pricing"}})

	o.RecordFailure("a1", errors.New("still broken"))
	n, err := o.Graph().GetNode("a1")
	require.NoError(t, err)
	assert.Equal(t, string(agent.StatusError), n.Properties[PropStatus])
	assert.Equal(t, "still broken", n.Properties[PropLastError])
	assert.Equal(t, 1, n.Properties[PropRecoveries])

	o.RecordSuccess("a1")
	n, err = o.Graph().GetNode("a1")
	require.NoError(t, err)
	assert.Equal(t, string(agent.StatusActive), n.Properties[PropStatus])
	assert.Equal(t, 2, n.Properties[PropRecoveries])

	// Unknown agents are logged, not added.
	o.RecordSuccess("ghost")
	assert.False(t, o.Graph().HasNode("ghost"))
}

func TestAttachProjectsBusEvents(t *testing.T) {
	o := newProjection(t, agent.Spec{ID: "a1", Capabilities: []string{"pricing"}})
	bus := events.NewEventBus()
	defer bus.Close()
	o.Attach(bus)
	defer o.Detach()

	bus.Publish(events.TopicAgent, events.CircuitStateEvent{AgentID: "a1", From: "closed", To: "open"})
	bus.Publish(events.TopicCollaboration, collaboration("t1", "pricing", map[string]task.Response{"a1": ok(0.7)}, "a1"))

	assert.Eventually(t, func() bool {
		n, err := o.Graph().GetNode("a1")
		return err == nil && n.Properties[PropCircuit] == "open" && o.Graph().HasNode("t1")
	}, 2*time.Second, 10*time.Millisecond)
}
