package orchestrator

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/agent"
	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/graph"
	"github.com/aristath/agentmesh/internal/logger"
	"github.com/aristath/agentmesh/internal/workflow"
)

// Node property keys written by the projection.
const (
	PropName          = "name"
	PropDepartment    = "department"
	PropCapabilities  = "capabilities"
	PropStatus        = "status"
	PropCircuit       = "circuit"
	PropTaskType      = "taskType"
	PropStrategy      = "strategy"
	PropConfidence    = "confidence"
	PropSuccess       = "success"
	PropProcessingMs  = "processingMs"
	PropCount         = "count"
	PropCompleted     = "completedSteps"
	PropTotal         = "totalSteps"
	PropRecoveries    = "recoveries"
	PropLastError     = "lastError"
	PropUpdatedAt     = "updatedAt"
	PropDurationMs    = "durationMs"
	PropBlockedSteps  = "blocked"
	PropWorkflowStep  = "step"
	PropFailureMode   = "failureMode"
	PropRecoveryState = "recovery"
)

// GraphOrchestrator keeps the coordination graph in step with the engine:
// agents and their departments, who ran which task, who worked together,
// and how workflows progressed. It also answers questions about that graph.
type GraphOrchestrator struct {
	graph *graph.Store
	log   *zap.Logger

	// mu serialises read-modify-write projections such as edge counters.
	mu     sync.Mutex
	unsubs []func()
}

// NewGraphOrchestrator projects into g.
func NewGraphOrchestrator(g *graph.Store, log *zap.Logger) *GraphOrchestrator {
	return &GraphOrchestrator{graph: g, log: logger.OrNop(log).Named("graph")}
}

// Graph returns the underlying store.
func (o *GraphOrchestrator) Graph() *graph.Store { return o.graph }

// Attach starts projecting collaboration, workflow and agent events from bus.
func (o *GraphOrchestrator) Attach(bus *events.EventBus) {
	handle := func(ev events.Event) {
		if err := o.Apply(ev); err != nil {
			o.log.Warn("failed to project event",
				zap.String("type", ev.EventType()),
				zap.String("subject", ev.SubjectID()),
				zap.Error(err))
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unsubs = append(o.unsubs,
		bus.Listen(events.TopicCollaboration, handle),
		bus.Listen(events.TopicWorkflow, handle),
		bus.Listen(events.TopicAgent, handle),
	)
}

// Detach stops all event projection.
func (o *GraphOrchestrator) Detach() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Apply projects one event. Unknown events are ignored.
func (o *GraphOrchestrator) Apply(ev events.Event) error {
	switch e := ev.(type) {
	case events.CollaborationCompletedEvent:
		return o.RecordCollaboration(e)
	case events.WorkflowProgressEvent:
		return o.recordProgress(e)
	case events.WorkflowCompletedEvent:
		return o.finishWorkflow(e.WorkflowID, workflow.StateCompleted, graph.Properties{
			PropDurationMs: e.Duration.Milliseconds(),
		})
	case events.WorkflowStalledEvent:
		return o.finishWorkflow(e.WorkflowID, workflow.StateStalled, graph.Properties{
			PropBlockedSteps: slices.Clone(e.Blocked),
		})
	case events.CircuitStateEvent:
		return o.graph.UpdateNode(e.AgentID, graph.Properties{PropCircuit: e.To, PropUpdatedAt: e.Timestamp})
	}
	return nil
}

// RegisterAgent adds the agent node and links it to its department.
func (o *GraphOrchestrator) RegisterAgent(spec agent.Spec) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	props := graph.Properties{
		PropName:         spec.Name,
		PropDepartment:   spec.DepartmentID,
		PropCapabilities: slices.Clone(spec.Capabilities),
		PropStatus:       string(agent.StatusIdle),
	}
	if err := o.upsertNode(spec.ID, graph.NodeAgent, props); err != nil {
		return err
	}
	if spec.DepartmentID == "" {
		return nil
	}
	if !o.graph.HasNode(spec.DepartmentID) {
		if err := o.graph.AddNode(graph.Node{
			ID:         spec.DepartmentID,
			Type:       graph.NodeDepartment,
			Properties: graph.Properties{PropName: spec.DepartmentID},
		}); err != nil {
			return err
		}
	}
	_, err := o.graph.AddEdge(graph.Edge{Source: spec.ID, Target: spec.DepartmentID, Type: graph.EdgeMemberOf})
	return err
}

// RecordCollaboration links every agent that ran the task to it and bumps
// the collaboration weight between each pair of those agents.
func (o *GraphOrchestrator) RecordCollaboration(ev events.CollaborationCompletedEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	props := graph.Properties{
		PropTaskType:   ev.TaskType,
		PropStrategy:   ev.Strategy,
		PropConfidence: ev.Confidence,
		PropSuccess:    ev.Canonical != nil && ev.Canonical.Success,
		PropUpdatedAt:  ev.Timestamp,
	}
	if err := o.upsertNode(ev.ID, graph.NodeTask, props); err != nil {
		return err
	}

	var ran []string
	for _, id := range ev.Agents {
		resp, ok := ev.Results[id]
		if !ok {
			continue
		}
		ran = append(ran, id)
		_, err := o.graph.AddEdge(graph.Edge{
			Source: id,
			Target: ev.ID,
			Type:   graph.EdgeAssignedTo,
			Properties: graph.Properties{
				PropTaskType:     ev.TaskType,
				PropSuccess:      resp.Success,
				PropConfidence:   resp.Metadata.Confidence,
				PropProcessingMs: resp.Metadata.ProcessingTime,
			},
		})
		if err != nil {
			return err
		}
	}

	slices.Sort(ran)
	for i, a := range ran {
		for _, b := range ran[i+1:] {
			if err := o.bumpCollaboration(a, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// bumpCollaboration must be called with mu held. a sorts before b.
func (o *GraphOrchestrator) bumpCollaboration(a, b string) error {
	id := graph.EdgeID(a, graph.EdgeCollaboratesWith, b)
	e, err := o.graph.GetEdge(id)
	switch {
	case errors.Is(err, graph.ErrEdgeNotFound):
		_, err = o.graph.AddEdge(graph.Edge{
			ID:         id,
			Source:     a,
			Target:     b,
			Type:       graph.EdgeCollaboratesWith,
			Properties: graph.Properties{PropCount: 1},
		})
		return err
	case err != nil:
		return err
	}
	count, _ := e.Properties[PropCount].(int)
	return o.graph.UpdateEdge(id, graph.Properties{PropCount: count + 1})
}

// RecordWorkflow adds the workflow node, one task node per step keyed by
// the step's task ID, and the step dependency edges. Dependencies on
// undeclared steps are skipped.
func (o *GraphOrchestrator) RecordWorkflow(wf workflow.Workflow) error {
	if wf.ID == "" {
		return errors.New("workflow id is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.upsertNode(wf.ID, graph.NodeWorkflow, graph.Properties{
		PropName:      wf.Name,
		PropStatus:    string(workflow.StateInProgress),
		PropCompleted: 0,
		PropTotal:     len(wf.Steps),
	})
	if err != nil {
		return err
	}

	declared := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		declared[s.ID] = true
		taskID := workflow.TaskID(wf.ID, s.ID)
		err := o.upsertNode(taskID, graph.NodeTask, graph.Properties{
			PropTaskType:     s.TaskType,
			PropWorkflowStep: s.ID,
			PropStatus:       workflow.StepPending.String(),
			PropFailureMode:  s.FailureMode.String(),
		})
		if err != nil {
			return err
		}
		if _, err := o.graph.AddEdge(graph.Edge{Source: wf.ID, Target: taskID, Type: graph.EdgeWorkflowStep}); err != nil {
			return err
		}
	}
	for _, s := range wf.Steps {
		for _, dep := range s.DependsOn {
			if !declared[dep] {
				continue
			}
			_, err := o.graph.AddEdge(graph.Edge{
				Source: workflow.TaskID(wf.ID, s.ID),
				Target: workflow.TaskID(wf.ID, dep),
				Type:   graph.EdgeDependsOn,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *GraphOrchestrator) recordProgress(ev events.WorkflowProgressEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := workflow.StepCompleted
	if !ev.Success {
		status = workflow.StepFailed
	}
	taskID := workflow.TaskID(ev.WorkflowID, ev.StepID)
	if o.graph.HasNode(taskID) {
		if err := o.graph.UpdateNode(taskID, graph.Properties{PropStatus: status.String()}); err != nil {
			return err
		}
	}
	if !o.graph.HasNode(ev.WorkflowID) {
		return nil
	}
	return o.graph.UpdateNode(ev.WorkflowID, graph.Properties{
		PropCompleted: ev.CompletedSteps,
		PropTotal:     ev.TotalSteps,
		PropUpdatedAt: ev.Timestamp,
	})
}

func (o *GraphOrchestrator) finishWorkflow(id string, state workflow.State, props graph.Properties) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.graph.HasNode(id) {
		return nil
	}
	props[PropStatus] = string(state)
	props[PropUpdatedAt] = time.Now()
	return o.graph.UpdateNode(id, props)
}

// RecordSuccess marks a recovered agent active.
func (o *GraphOrchestrator) RecordSuccess(agentID string) {
	o.recordRecovery(agentID, graph.Properties{
		PropStatus:        string(agent.StatusActive),
		PropRecoveryState: "recovered",
		PropLastError:     "",
	})
}

// RecordFailure marks an agent whose recovery gave up.
func (o *GraphOrchestrator) RecordFailure(agentID string, err error) {
	props := graph.Properties{
		PropStatus:        string(agent.StatusError),
		PropRecoveryState: "exhausted",
	}
	if err != nil {
		props[PropLastError] = err.Error()
	}
	o.recordRecovery(agentID, props)
}

func (o *GraphOrchestrator) recordRecovery(agentID string, props graph.Properties) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n, err := o.graph.GetNode(agentID)
	if err != nil {
		o.log.Warn("recovery reported for unknown agent", zap.String("agent", agentID))
		return
	}
	count, _ := n.Properties[PropRecoveries].(int)
	props[PropRecoveries] = count + 1
	if err := o.graph.UpdateNode(agentID, props); err != nil {
		o.log.Warn("failed to record recovery", zap.String("agent", agentID), zap.Error(err))
	}
}

// upsertNode must be called with mu held. Existing nodes keep properties
// not named in props and their type.
func (o *GraphOrchestrator) upsertNode(id string, typ graph.NodeType, props graph.Properties) error {
	if o.graph.HasNode(id) {
		return o.graph.UpdateNode(id, props)
	}
	if err := o.graph.AddNode(graph.Node{ID: id, Type: typ, Properties: props}); err != nil {
		return fmt.Errorf("add %s node: %w", typ, err)
	}
	return nil
}
