package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/agent"
	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/graph"
	"github.com/aristath/agentmesh/internal/recovery"
	"github.com/aristath/agentmesh/internal/swarm"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/workflow"
)

// SubmitTask runs t in the background and returns its ID at once. The
// final answer is available from TaskResult and as a task.completed event.
func (e *Engine) SubmitTask(ctx context.Context, t task.Task) (string, error) {
	t.EnsureID()
	e.recordSubmitted(ctx, t)
	id, err := e.swarm.SubmitTask(ctx, t)
	if err != nil {
		e.recordRejected(ctx, t, err)
		return "", err
	}
	return id, nil
}

// Dispatch runs t and waits for its canonical response.
func (e *Engine) Dispatch(ctx context.Context, t task.Task) (task.Response, error) {
	return e.swarm.Dispatch(ctx, t)
}

// Execute runs t and returns every agent's response.
func (e *Engine) Execute(ctx context.Context, t task.Task) (swarm.Outcome, error) {
	return e.swarm.Execute(ctx, t)
}

// TaskResult returns the canonical response of a finished task.
func (e *Engine) TaskResult(taskID string) (task.Response, error) {
	return e.swarm.CanonicalResult(taskID)
}

// AgentResults returns each agent's stored response to a task.
func (e *Engine) AgentResults(taskID string) map[string]task.Response {
	out := make(map[string]task.Response)
	for _, rt := range e.registry.All() {
		if r, err := rt.TaskResult(taskID); err == nil {
			out[rt.ID()] = r
		}
	}
	return out
}

// CancelTask abandons a submitted task on every agent running it.
func (e *Engine) CancelTask(taskID string) bool {
	return e.swarm.Cancel(taskID)
}

// ForgetTask drops stored results for a task.
func (e *Engine) ForgetTask(taskID string) {
	e.swarm.ForgetTask(taskID)
}

// RunWorkflow executes wf and waits for it to finish.
func (e *Engine) RunWorkflow(ctx context.Context, wf workflow.Workflow) (*workflow.Result, error) {
	e.prepareWorkflow(&wf)
	return e.workflows.Execute(ctx, wf)
}

// SubmitWorkflow starts wf in the background and returns its ID.
func (e *Engine) SubmitWorkflow(ctx context.Context, wf workflow.Workflow) (string, error) {
	e.prepareWorkflow(&wf)
	return e.workflows.Submit(ctx, wf)
}

// prepareWorkflow assigns an ID and records the workflow's shape in the
// graph before any step runs.
func (e *Engine) prepareWorkflow(wf *workflow.Workflow) {
	if wf.ID == "" {
		wf.ID = task.NewID()
	}
	if err := e.insights.RecordWorkflow(*wf); err != nil {
		e.log.Warn("failed to add workflow to graph", zap.String("workflow", wf.ID), zap.Error(err))
	}
}

// WorkflowStatus reports a workflow's progress.
func (e *Engine) WorkflowStatus(id string) (workflow.Status, error) {
	return e.workflows.Status(id)
}

// WaitWorkflow blocks until a submitted workflow finishes.
func (e *Engine) WaitWorkflow(ctx context.Context, id string) (*workflow.Result, error) {
	return e.workflows.Wait(ctx, id)
}

// CancelWorkflow stops a running workflow.
func (e *Engine) CancelWorkflow(id string) bool {
	return e.workflows.Cancel(id)
}

// OnWorkflowProgress calls fn after each finished workflow step. Events
// reach fn in publication order, at most once. Call the returned func to stop.
func (e *Engine) OnWorkflowProgress(fn func(events.WorkflowProgressEvent)) (unsubscribe func()) {
	return e.bus.Listen(events.TopicWorkflow, func(ev events.Event) {
		if p, ok := ev.(events.WorkflowProgressEvent); ok {
			fn(p)
		}
	})
}

// OnWorkflowComplete calls fn when a workflow completes.
func (e *Engine) OnWorkflowComplete(fn func(events.WorkflowCompletedEvent)) (unsubscribe func()) {
	return e.bus.Listen(events.TopicWorkflow, func(ev events.Event) {
		if c, ok := ev.(events.WorkflowCompletedEvent); ok {
			fn(c)
		}
	})
}

// OnWorkflowStalled calls fn when a workflow can make no further progress.
func (e *Engine) OnWorkflowStalled(fn func(events.WorkflowStalledEvent)) (unsubscribe func()) {
	return e.bus.Listen(events.TopicWorkflow, func(ev events.Event) {
		if s, ok := ev.(events.WorkflowStalledEvent); ok {
			fn(s)
		}
	})
}

// OnCollaborationComplete calls fn after the swarm finishes a task.
func (e *Engine) OnCollaborationComplete(fn func(events.CollaborationCompletedEvent)) (unsubscribe func()) {
	return e.bus.Listen(events.TopicCollaboration, func(ev events.Event) {
		if c, ok := ev.(events.CollaborationCompletedEvent); ok {
			fn(c)
		}
	})
}

// OnTaskComplete calls fn when a submitted task has its final answer.
func (e *Engine) OnTaskComplete(fn func(events.TaskCompletedEvent)) (unsubscribe func()) {
	return e.bus.Listen(events.TopicTask, func(ev events.Event) {
		if c, ok := ev.(events.TaskCompletedEvent); ok {
			fn(c)
		}
	})
}

// VisualizationData returns a snapshot of the coordination graph.
func (e *Engine) VisualizationData() graph.Snapshot {
	return e.graph.VisualizationData()
}

// Insights answers questions about the coordination graph.
func (e *Engine) Insights() *GraphOrchestrator { return e.insights }

// Agents returns the registered agent runtimes in registration order.
func (e *Engine) Agents() []*agent.Runtime { return e.registry.All() }

// Agent returns one agent runtime.
func (e *Engine) Agent(id string) (*agent.Runtime, bool) { return e.registry.Get(id) }

// ValidateTaskTypes reports task types no registered agent can take.
func (e *Engine) ValidateTaskTypes(types []string) error { return e.registry.Validate(types) }

// RecoveryFailures lists agents whose recovery gave up.
func (e *Engine) RecoveryFailures() []recovery.Failure { return e.recovery.Failures() }

// Bus exposes the engine's event bus.
func (e *Engine) Bus() *events.EventBus { return e.bus }
