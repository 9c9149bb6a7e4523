package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/aristath/agentmesh/internal/agent"
	"github.com/aristath/agentmesh/internal/config"
	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/graph"
	"github.com/aristath/agentmesh/internal/natsbus"
	"github.com/aristath/agentmesh/internal/persistence"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/telemetry"
	"github.com/aristath/agentmesh/internal/workflow"
)

func priced(price float64, confidence float64, calls *atomic.Int32) agent.HandlerFunc {
	return func(ctx context.Context, t task.Task) (task.Response, error) {
		if calls != nil {
			calls.Add(1)
		}
		return task.Response{
			Success:  true,
			Data:     map[string]any{"price": price},
			Metadata: task.Metadata{Confidence: confidence},
		}, nil
	}
}

func echo(ctx context.Context, t task.Task) (task.Response, error) {
	return task.Response{Success: true, Data: map[string]any{"type": t.Type}, Metadata: task.Metadata{Confidence: 0.9}}, nil
}

func testConfig(agents ...config.AgentConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store = config.StoreConfig{Driver: "memory"}
	cfg.Agents = agents
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, handlers map[string]agent.Handler) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, Options{Logger: zaptest.NewLogger(t), Handlers: handlers})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func pricingAgents() []config.AgentConfig {
	return []config.AgentConfig{
		{ID: "sales-1", Department: "sales", Capabilities: []string{"pricing"}, Provider: "anthropic"},
		{ID: "finance-1", Department: "finance", Capabilities: []string{"pricing", "budget"}, Provider: "anthropic"},
	}
}

func TestEnginePricingTaskAcrossDepartments(t *testing.T) {
	var salesCalls, financeCalls atomic.Int32
	e := newEngine(t, testConfig(pricingAgents()...), map[string]agent.Handler{
		"sales-1":   priced(100, 0.8, &salesCalls),
		"finance-1": priced(110, 0.9, &financeCalls),
	})

	collab := make(chan events.CollaborationCompletedEvent, 1)
	defer e.OnCollaborationComplete(func(ev events.CollaborationCompletedEvent) { collab <- ev })()
	done := make(chan events.TaskCompletedEvent, 1)
	defer e.OnTaskComplete(func(ev events.TaskCompletedEvent) { done <- ev })()

	id, err := e.SubmitTask(context.Background(), task.Task{
		Type:        "pricing",
		Priority:    task.PriorityHigh,
		Data:        map[string]any{"product": "widget"},
		Departments: []string{"sales", "finance"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case ev := <-collab:
		assert.Equal(t, id, ev.ID)
		assert.Equal(t, "parallel", ev.Strategy)
		assert.Equal(t, 0.9, ev.Confidence)
		assert.ElementsMatch(t, []string{"sales-1", "finance-1"}, ev.Agents)
	case <-time.After(2 * time.Second):
		t.Fatal("no collaboration event")
	}
	select {
	case ev := <-done:
		assert.True(t, ev.Response.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("no task completion event")
	}

	assert.EqualValues(t, 1, salesCalls.Load())
	assert.EqualValues(t, 1, financeCalls.Load())

	results := e.AgentResults(id)
	require.Len(t, results, 2)
	assert.Equal(t, 100.0, results["sales-1"].Data["price"])
	assert.Equal(t, 110.0, results["finance-1"].Data["price"])

	canonical, err := e.TaskResult(id)
	require.NoError(t, err)
	assert.Equal(t, 100.0, canonical.Data["price"], "first registered agent wins in parallel mode")

	assert.Eventually(t, func() bool {
		_, err1 := e.graph.GetEdge(graph.EdgeID("sales-1", graph.EdgeAssignedTo, id))
		_, err2 := e.graph.GetEdge(graph.EdgeID("finance-1", graph.EdgeAssignedTo, id))
		return err1 == nil && err2 == nil
	}, 2*time.Second, 10*time.Millisecond)

	e.ForgetTask(id)
	_, err = e.TaskResult(id)
	assert.True(t, errors.Is(err, task.ErrTaskNotFound))
	assert.Empty(t, e.AgentResults(id))
}

func TestEngineRejectsUnmatchedTask(t *testing.T) {
	e := newEngine(t, testConfig(pricingAgents()...), map[string]agent.Handler{
		"sales-1":   agent.HandlerFunc(echo),
		"finance-1": agent.HandlerFunc(echo),
	})

	_, err := e.SubmitTask(context.Background(), task.Task{ID: "t-legal", Type: "contract_review"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrNoAgentsAvailable))

	rec, err := e.TaskRecord(context.Background(), "t-legal")
	require.NoError(t, err)
	assert.Equal(t, TaskRejected, rec.Fields["status"])
}

func TestEnginePersistsTaskOutcome(t *testing.T) {
	e := newEngine(t, testConfig(pricingAgents()...), map[string]agent.Handler{
		"sales-1":   agent.HandlerFunc(echo),
		"finance-1": agent.HandlerFunc(echo),
	})
	ctx := context.Background()

	id, err := e.SubmitTask(ctx, task.Task{Type: "budget"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, err := e.TaskRecord(ctx, id)
		return err == nil && rec.Fields["status"] == TaskCompleted && rec.Fields["strategy"] == "sequential"
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := e.TaskRecords(ctx, map[string]any{"type": "budget"}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, true, recs[0].Fields["success"])
}

func TestEngineLoadsStoredAgents(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Create(ctx, persistence.Record{Kind: persistence.KindAgent, ID: "legal-1", Fields: map[string]any{
		"department":   "legal",
		"capabilities": []string{"contract_review"},
		"provider":     "anthropic",
	}})
	require.NoError(t, err)

	cfg := testConfig(pricingAgents()...)
	e, err := New(ctx, cfg, Options{
		Logger: zaptest.NewLogger(t),
		Store:  store,
		Handlers: map[string]agent.Handler{
			"sales-1":   agent.HandlerFunc(echo),
			"finance-1": agent.HandlerFunc(echo),
			"legal-1":   agent.HandlerFunc(echo),
		},
	})
	require.NoError(t, err)
	defer e.Close()

	rt, ok := e.Agent("legal-1")
	require.True(t, ok)
	assert.Equal(t, "legal", rt.Spec().DepartmentID)
	assert.NoError(t, e.ValidateTaskTypes([]string{"pricing", "contract_review"}))

	resp, err := e.Dispatch(ctx, task.Task{Type: "contract_review"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	// Configured agents were written back, along with their departments.
	agents, err := store.FindMany(ctx, persistence.Filter{Kind: persistence.KindAgent})
	require.NoError(t, err)
	assert.Len(t, agents, 3)
	_, err = store.FindUnique(ctx, persistence.KindDepartment, "finance")
	assert.NoError(t, err)
}

func TestEngineReplaysTaskHistory(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	handlers := map[string]agent.Handler{
		"sales-1":   priced(100, 0.8, nil),
		"finance-1": priced(110, 0.9, nil),
	}
	open := func() *Engine {
		e, err := New(ctx, testConfig(pricingAgents()...), Options{Logger: zaptest.NewLogger(t), Store: store, Handlers: handlers})
		require.NoError(t, err)
		return e
	}

	first := open()
	_, err = first.Dispatch(ctx, task.Task{ID: "t-history", Type: "pricing"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		rec, err := store.FindUnique(ctx, persistence.KindTask, "t-history")
		return err == nil && rec.Fields["results"] != nil
	}, 2*time.Second, 10*time.Millisecond)
	first.Close()

	second := open()
	defer second.Close()

	edge, err := second.graph.GetEdge(graph.EdgeID("finance-1", graph.EdgeAssignedTo, "t-history"))
	require.NoError(t, err)
	assert.Equal(t, 0.9, edge.Properties[PropConfidence])

	scores := second.Insights().RankAgents("pricing")
	require.Len(t, scores, 2)
	for _, s := range scores {
		assert.Equal(t, 1, s.Assignments)
	}
}

func TestEngineUnknownProvider(t *testing.T) {
	cfg := testConfig(config.AgentConfig{ID: "a1", Capabilities: []string{"x"}, Provider: "missing"})
	_, err := New(context.Background(), cfg, Options{Logger: zaptest.NewLogger(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "missing"`)
}

func TestEngineRunsWorkflow(t *testing.T) {
	e := newEngine(t, testConfig(
		config.AgentConfig{ID: "ops-1", Department: "ops", Capabilities: []string{"collect", "analyze", "report"}, Provider: "anthropic"},
	), map[string]agent.Handler{"ops-1": agent.HandlerFunc(echo)})

	var (
		mu       sync.Mutex
		progress []string
	)
	defer e.OnWorkflowProgress(func(ev events.WorkflowProgressEvent) {
		mu.Lock()
		progress = append(progress, ev.StepID)
		mu.Unlock()
	})()
	completed := make(chan events.WorkflowCompletedEvent, 1)
	defer e.OnWorkflowComplete(func(ev events.WorkflowCompletedEvent) { completed <- ev })()

	wf := workflow.Workflow{Name: "quarterly", Steps: []workflow.Step{
		{ID: "a", TaskType: "collect"},
		{ID: "b", TaskType: "analyze", DependsOn: []string{"a"}},
		{ID: "c", TaskType: "report", DependsOn: []string{"a"}},
	}}
	res, err := e.RunWorkflow(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, res.State)
	assert.Equal(t, "a", res.Order[0])
	assert.Len(t, res.Responses(), 3)
	for _, step := range []string{"a", "b", "c"} {
		id := workflow.TaskID(res.WorkflowID, step)
		_, err := e.TaskResult(id)
		assert.ErrorIs(t, err, task.ErrTaskNotFound, step)
		assert.Empty(t, e.AgentResults(id), step)
	}

	select {
	case ev := <-completed:
		assert.Equal(t, res.WorkflowID, ev.WorkflowID)
	case <-time.After(2 * time.Second):
		t.Fatal("no workflow completion event")
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		n, err := e.graph.GetNode(res.WorkflowID)
		return err == nil && n.Properties[PropStatus] == string(workflow.StateCompleted)
	}, 2*time.Second, 10*time.Millisecond)
	_, err = e.graph.GetEdge(graph.EdgeID(workflow.TaskID(res.WorkflowID, "b"), graph.EdgeDependsOn, workflow.TaskID(res.WorkflowID, "a")))
	assert.NoError(t, err)
}

func TestEngineStalledWorkflow(t *testing.T) {
	e := newEngine(t, testConfig(
		config.AgentConfig{ID: "ops-1", Capabilities: []string{"collect"}, Provider: "anthropic"},
	), map[string]agent.Handler{"ops-1": agent.HandlerFunc(echo)})

	stalled := make(chan events.WorkflowStalledEvent, 1)
	defer e.OnWorkflowStalled(func(ev events.WorkflowStalledEvent) { stalled <- ev })()

	id, err := e.SubmitWorkflow(context.Background(), workflow.Workflow{Steps: []workflow.Step{
		{ID: "a", TaskType: "collect", DependsOn: []string{"nonexistent"}},
	}})
	require.NoError(t, err)

	_, err = e.WaitWorkflow(context.Background(), id)
	assert.True(t, errors.Is(err, task.ErrWorkflowStalled))

	select {
	case ev := <-stalled:
		assert.Equal(t, []string{"a"}, ev.Blocked)
	case <-time.After(2 * time.Second):
		t.Fatal("no stall event")
	}
	st, err := e.WorkflowStatus(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateStalled, st.State)
}

func TestEngineRecoversOpenCircuit(t *testing.T) {
	cfg := testConfig(config.AgentConfig{ID: "fragile", Capabilities: []string{"pricing"}, Provider: "anthropic"})
	cfg.Breaker.FailureThreshold = 1
	cfg.Recovery.InitialDelay = time.Millisecond
	cfg.Recovery.MaxDelay = 10 * time.Millisecond

	var calls atomic.Int32
	e := newEngine(t, cfg, map[string]agent.Handler{
		"fragile": agent.HandlerFunc(func(ctx context.Context, t task.Task) (task.Response, error) {
			if calls.Add(1) == 1 {
				return task.Response{}, errors.New("provider down")
			}
			return echo(ctx, t)
		}),
	})

	recovered := make(chan events.RecoveryEvent, 1)
	defer e.Bus().Listen(events.TopicAgent, func(ev events.Event) {
		if r, ok := ev.(events.RecoveryEvent); ok {
			recovered <- r
		}
	})()

	resp, err := e.Dispatch(context.Background(), task.Task{Type: "pricing"})
	require.NoError(t, err)
	assert.False(t, resp.Success)

	select {
	case ev := <-recovered:
		assert.True(t, ev.Recovered)
		assert.Equal(t, "fragile", ev.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not recovered")
	}

	resp, err = e.Dispatch(context.Background(), task.Task{Type: "pricing"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Empty(t, e.RecoveryFailures())

	assert.Eventually(t, func() bool {
		n, err := e.graph.GetNode("fragile")
		return err == nil && n.Properties[PropRecoveries] == 1 && n.Properties[PropStatus] == string(agent.StatusActive)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		rec, err := e.store.FindUnique(context.Background(), persistence.KindAgent, "fragile")
		return err == nil && rec.Fields["recovered"] == true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineNATSBridge(t *testing.T) {
	cfg := testConfig(pricingAgents()...)
	cfg.NATS = config.NATSConfig{Enabled: true, Embedded: true, Port: -1, SubjectPrefix: "mesh"}
	e := newEngine(t, cfg, map[string]agent.Handler{
		"sales-1":   priced(100, 0.8, nil),
		"finance-1": priced(110, 0.9, nil),
	})
	require.NotEmpty(t, e.NATSURL())

	client, err := natsbus.NewClientFromURL(e.NATSURL())
	require.NoError(t, err)
	defer client.Close()

	resp, err := natsbus.SubmitTask(client, "mesh", task.Task{ID: "remote-1", Type: "pricing"}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 100.0, resp.Data["price"])
	_, err = e.TaskResult("remote-1")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.Empty(t, e.AgentResults("remote-1"))

	resp, err = natsbus.SubmitTask(client, "mesh", task.Task{ID: "remote-2", Type: "unknown"}, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "no agents available")
}

func TestEngineMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	cfg := testConfig(pricingAgents()...)
	e, err := New(context.Background(), cfg, Options{
		Logger:   zaptest.NewLogger(t),
		Meter:    provider.Meter(telemetry.InstrumentationName),
		Handlers: map[string]agent.Handler{"sales-1": agent.HandlerFunc(echo), "finance-1": agent.HandlerFunc(echo)},
	})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Dispatch(context.Background(), task.Task{Type: "pricing"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["agentmesh_tasks_total"])
	assert.True(t, names["agentmesh_swarm_decisions_total"])
}

func TestEngineScheduledWorkflow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nightly.yaml"), []byte(`
name: nightly
steps:
  - id: collect
    task_type: collect
`), 0644))

	cfg := testConfig(config.AgentConfig{ID: "ops-1", Capabilities: []string{"collect"}, Provider: "anthropic"})
	cfg.Workflow.Dir = dir
	cfg.Schedules = []config.ScheduleConfig{{Name: "nightly", Cron: "0 2 * * *", Workflow: "nightly.yaml"}}
	e := newEngine(t, cfg, map[string]agent.Handler{"ops-1": agent.HandlerFunc(echo)})

	entries := e.Schedules()
	require.Len(t, entries, 1)
	assert.Equal(t, "nightly", entries[0].Name)

	id, err := e.submitScheduled(context.Background(), entries[0])
	require.NoError(t, err)
	res, err := e.WaitWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, res.State)
	assert.Equal(t, "nightly", res.Name)
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	e, err := New(context.Background(), testConfig(), Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	e.Close()
	e.Close()
}
