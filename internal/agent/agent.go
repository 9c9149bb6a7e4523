package agent

import (
	"context"
	"slices"

	"github.com/aristath/agentmesh/internal/task"
)

// Status is the externally visible condition of a runtime.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusRestarting Status = "restarting"
	StatusActive     Status = "active"
	StatusError      Status = "error"
)

// Spec describes an agent.
type Spec struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	DepartmentID string   `json:"departmentId,omitempty" yaml:"department"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
}

// Accepts reports whether the agent can take t: the task type must be
// one of the agent's capabilities and, when both the agent and the task
// name departments, the agent's department must be among the task's.
func (s Spec) Accepts(t task.Task) bool {
	if !slices.Contains(s.Capabilities, t.Type) {
		return false
	}
	if s.DepartmentID == "" {
		return true
	}
	return t.InDepartment(s.DepartmentID)
}

// Handler executes one task. A returned error, a panic, or a response
// with Success false all count as a failed attempt.
type Handler interface {
	Handle(ctx context.Context, t task.Task) (task.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t task.Task) (task.Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, t task.Task) (task.Response, error) {
	return f(ctx, t)
}

// Reinitializer is implemented by handlers that hold state worth
// rebuilding when the agent is restarted.
type Reinitializer interface {
	Reinitialize(ctx context.Context) error
}

// HealthReporter is implemented by handlers that can check their own
// health. Levels above zero mean healthy.
type HealthReporter interface {
	Health(ctx context.Context) (float64, error)
}
