package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/persistence"
	"github.com/aristath/agentmesh/internal/task"
)

// Task record statuses.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskRejected  = "rejected"
)

const storeTimeout = 5 * time.Second

// persist mirrors task outcomes and agent health into the store.
func (e *Engine) persist(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var err error
	switch ev := ev.(type) {
	case events.CollaborationCompletedEvent:
		fields := map[string]any{
			"type":       ev.TaskType,
			"strategy":   ev.Strategy,
			"agents":     ev.Agents,
			"confidence": ev.Confidence,
			"success":    ev.Canonical != nil && ev.Canonical.Success,
			"results":    agentOutcomes(ev.Results),
		}
		_, err = e.store.Upsert(ctx, persistence.Record{Kind: persistence.KindTask, ID: ev.ID, Fields: fields})
	case events.TaskCompletedEvent:
		status := TaskCompleted
		if !ev.Response.Success {
			status = TaskFailed
		}
		fields := map[string]any{
			"type":        ev.TaskType,
			"status":      status,
			"success":     ev.Response.Success,
			"completedAt": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if ev.Response.Error != "" {
			fields["error"] = ev.Response.Error
		}
		_, err = e.store.Upsert(ctx, persistence.Record{Kind: persistence.KindTask, ID: ev.ID, Fields: fields})
	case events.CircuitStateEvent:
		_, err = e.store.Update(ctx, persistence.KindAgent, ev.AgentID, map[string]any{"circuit": ev.To})
	case events.RecoveryEvent:
		patch := map[string]any{"recovered": ev.Recovered, "last_error": nil}
		if ev.Error != "" {
			patch["last_error"] = ev.Error
		}
		_, err = e.store.Update(ctx, persistence.KindAgent, ev.AgentID, patch)
	default:
		return
	}
	if err != nil {
		e.log.Warn("failed to persist event",
			zap.String("type", ev.EventType()),
			zap.String("subject", ev.SubjectID()),
			zap.Error(err))
	}
}

// agentOutcomes keeps what the graph needs from each agent's response.
func agentOutcomes(results map[string]task.Response) map[string]any {
	out := make(map[string]any, len(results))
	for id, r := range results {
		out[id] = map[string]any{
			"success":    r.Success,
			"confidence": r.Metadata.Confidence,
		}
	}
	return out
}

// replayTasks rebuilds the graph's assignment history from stored tasks.
func (e *Engine) replayTasks(ctx context.Context) error {
	recs, err := e.store.FindMany(ctx, persistence.Filter{Kind: persistence.KindTask})
	if err != nil {
		return fmt.Errorf("loading stored tasks: %w", err)
	}
	replayed := 0
	for _, rec := range recs {
		ev, ok := collaborationFromRecord(rec)
		if !ok {
			continue
		}
		if err := e.insights.RecordCollaboration(ev); err != nil {
			e.log.Warn("skipping stored task", zap.String("task", rec.ID), zap.Error(err))
			continue
		}
		replayed++
	}
	if replayed > 0 {
		e.log.Info("replayed task history", zap.Int("tasks", replayed))
	}
	return nil
}

func collaborationFromRecord(rec persistence.Record) (events.CollaborationCompletedEvent, bool) {
	results, ok := rec.Fields["results"].(map[string]any)
	if !ok || len(results) == 0 {
		return events.CollaborationCompletedEvent{}, false
	}
	ev := events.CollaborationCompletedEvent{
		ID:        rec.ID,
		Results:   make(map[string]task.Response, len(results)),
		Timestamp: rec.UpdatedAt,
	}
	ev.TaskType, _ = rec.Fields["type"].(string)
	ev.Strategy, _ = rec.Fields["strategy"].(string)
	ev.Confidence, _ = rec.Fields["confidence"].(float64)
	if ok, _ := rec.Fields["success"].(bool); ok {
		ev.Canonical = &task.Response{Success: true}
	}
	if agents, ok := rec.Fields["agents"].([]any); ok {
		for _, a := range agents {
			if id, ok := a.(string); ok {
				ev.Agents = append(ev.Agents, id)
			}
		}
	}
	for id, raw := range results {
		fields, _ := raw.(map[string]any)
		success, _ := fields["success"].(bool)
		confidence, _ := fields["confidence"].(float64)
		ev.Results[id] = task.Response{Success: success, Metadata: task.Metadata{Confidence: confidence}}
	}
	return ev, true
}

func (e *Engine) recordSubmitted(ctx context.Context, t task.Task) {
	if e.store == nil {
		return
	}
	fields := map[string]any{
		"type":     t.Type,
		"priority": t.Priority.String(),
		"status":   TaskPending,
	}
	if len(t.Departments) > 0 {
		fields["departments"] = t.Departments
	}
	if _, err := e.store.Upsert(ctx, persistence.Record{Kind: persistence.KindTask, ID: t.ID, Fields: fields}); err != nil {
		e.log.Warn("failed to persist task", zap.String("task", t.ID), zap.Error(err))
	}
}

func (e *Engine) recordRejected(ctx context.Context, t task.Task, cause error) {
	if e.store == nil {
		return
	}
	_, err := e.store.Update(ctx, persistence.KindTask, t.ID, map[string]any{
		"status": TaskRejected,
		"error":  cause.Error(),
	})
	if err != nil {
		e.log.Warn("failed to persist task", zap.String("task", t.ID), zap.Error(err))
	}
}

// TaskRecord returns the stored record of a task.
func (e *Engine) TaskRecord(ctx context.Context, id string) (persistence.Record, error) {
	if e.store == nil {
		return persistence.Record{}, ErrNoStore
	}
	return e.store.FindUnique(ctx, persistence.KindTask, id)
}

// TaskRecords returns stored tasks matching where, oldest first.
func (e *Engine) TaskRecords(ctx context.Context, where map[string]any, limit int) ([]persistence.Record, error) {
	if e.store == nil {
		return nil, ErrNoStore
	}
	return e.store.FindMany(ctx, persistence.Filter{Kind: persistence.KindTask, Where: where, Limit: limit})
}
