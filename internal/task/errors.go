package task

import (
	"errors"
	"fmt"
)

// Coordination errors shared across packages. Wrap with %w and match with errors.Is.
var (
	// ErrCircuitOpen means the agent's breaker is rejecting calls. Retry later or fail over.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrNoAgentsAvailable means no registered agent accepts the task.
	ErrNoAgentsAvailable = errors.New("no agents available")
	// ErrTaskNotFound means the task is unknown or has not produced a result yet.
	ErrTaskNotFound = errors.New("task not found")
	// ErrWorkflowStalled means no further workflow step can become ready.
	ErrWorkflowStalled = errors.New("workflow stalled")
	// ErrRecoveryExhausted means every restart attempt for an agent failed.
	ErrRecoveryExhausted = errors.New("recovery exhausted")
	// ErrCancelled marks tasks dropped by a cancel request.
	ErrCancelled = errors.New("task cancelled")
)

// NoAgentsError reports the task that could not be matched.
type NoAgentsError struct {
	TaskID      string
	TaskType    string
	Departments []string
}

func (e *NoAgentsError) Error() string {
	if len(e.Departments) > 0 {
		return fmt.Sprintf("no agents available for task %q (type %q, departments %v)", e.TaskID, e.TaskType, e.Departments)
	}
	return fmt.Sprintf("no agents available for task %q (type %q)", e.TaskID, e.TaskType)
}

func (e *NoAgentsError) Unwrap() error { return ErrNoAgentsAvailable }

// CircuitOpenError names the agent whose breaker rejected the call.
type CircuitOpenError struct {
	AgentID string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("agent %q: circuit open", e.AgentID)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// NotFoundError names the missing task.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

func (e *NotFoundError) Unwrap() error { return ErrTaskNotFound }
