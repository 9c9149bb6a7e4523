package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName identifies this module's meter.
const InstrumentationName = "github.com/aristath/agentmesh"

var (
	AttrAgent    = attribute.Key("agent")
	AttrTaskType = attribute.Key("task_type")
	AttrOutcome  = attribute.Key("outcome")
	AttrStrategy = attribute.Key("strategy")
	AttrFrom     = attribute.Key("from")
	AttrTo       = attribute.Key("to")
	AttrStatus   = attribute.Key("status")
)

// Recorder owns the engine's metric instruments. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	tasks              metric.Int64Counter
	taskDuration       metric.Float64Histogram
	breakerTransitions metric.Int64Counter
	swarmDecisions     metric.Int64Counter
	workflows          metric.Int64Counter
	workflowDuration   metric.Float64Histogram
	recoveries         metric.Int64Counter
}

// NewRecorder creates instruments on meter. A nil meter uses the global provider.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	var (
		r   Recorder
		err error
	)
	if r.tasks, err = meter.Int64Counter("agentmesh_tasks_total", metric.WithDescription("Task attempts executed by agents")); err != nil {
		return nil, fmt.Errorf("tasks counter: %w", err)
	}
	if r.taskDuration, err = meter.Float64Histogram("agentmesh_task_duration_seconds", metric.WithDescription("Task attempt duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("task duration histogram: %w", err)
	}
	if r.breakerTransitions, err = meter.Int64Counter("agentmesh_breaker_transitions_total", metric.WithDescription("Agent circuit breaker state changes")); err != nil {
		return nil, fmt.Errorf("breaker counter: %w", err)
	}
	if r.swarmDecisions, err = meter.Int64Counter("agentmesh_swarm_decisions_total", metric.WithDescription("Swarm execution strategies chosen")); err != nil {
		return nil, fmt.Errorf("swarm counter: %w", err)
	}
	if r.workflows, err = meter.Int64Counter("agentmesh_workflows_total", metric.WithDescription("Workflow runs by final status")); err != nil {
		return nil, fmt.Errorf("workflow counter: %w", err)
	}
	if r.workflowDuration, err = meter.Float64Histogram("agentmesh_workflow_duration_seconds", metric.WithDescription("Workflow run duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("workflow duration histogram: %w", err)
	}
	if r.recoveries, err = meter.Int64Counter("agentmesh_recoveries_total", metric.WithDescription("Agent recovery runs by outcome")); err != nil {
		return nil, fmt.Errorf("recovery counter: %w", err)
	}
	return &r, nil
}

// TaskFinished records one task attempt.
func (r *Recorder) TaskFinished(ctx context.Context, agentID, taskType string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(AttrAgent.String(agentID), AttrTaskType.String(taskType), AttrOutcome.String(outcome(success)))
	r.tasks.Add(ctx, 1, attrs)
	r.taskDuration.Record(ctx, d.Seconds(), attrs)
}

// BreakerTransition records an agent breaker state change.
func (r *Recorder) BreakerTransition(ctx context.Context, agentID, from, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agentID), AttrFrom.String(from), AttrTo.String(to)))
}

// SwarmDecision records the strategy picked for a task.
func (r *Recorder) SwarmDecision(ctx context.Context, taskType, strategy string) {
	if r == nil {
		return
	}
	r.swarmDecisions.Add(ctx, 1, metric.WithAttributes(AttrTaskType.String(taskType), AttrStrategy.String(strategy)))
}

// WorkflowFinished records a finished workflow run.
func (r *Recorder) WorkflowFinished(ctx context.Context, status string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(AttrStatus.String(status))
	r.workflows.Add(ctx, 1, attrs)
	r.workflowDuration.Record(ctx, d.Seconds(), attrs)
}

// RecoveryFinished records a recovery run.
func (r *Recorder) RecoveryFinished(ctx context.Context, agentID string, recovered bool) {
	if r == nil {
		return
	}
	r.recoveries.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agentID), AttrOutcome.String(outcome(recovered))))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
