package events

import (
	"time"

	"github.com/aristath/agentmesh/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	// SubjectID is the task, workflow or agent the event is about.
	SubjectID() string
}

// Topic constants
const (
	TopicTask          = "task"
	TopicCollaboration = "collaboration"
	TopicWorkflow      = "workflow"
	TopicAgent         = "agent"
)

// Event type constants
const (
	EventTypeTaskCompleted          = "task.completed"
	EventTypeCollaborationCompleted = "collaboration.completed"
	EventTypeWorkflowProgress       = "workflow.progress"
	EventTypeWorkflowCompleted      = "workflow.completed"
	EventTypeWorkflowStalled        = "workflow.stalled"
	EventTypeCircuitStateChanged    = "agent.circuit"
	EventTypeRecoveryFinished       = "agent.recovery"
)

// TaskCompletedEvent is published when a submitted task has a final answer.
type TaskCompletedEvent struct {
	ID        string        `json:"taskId"`
	TaskType  string        `json:"taskType"`
	Response  task.Response `json:"response"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) SubjectID() string { return e.ID }

// CollaborationCompletedEvent is published after the swarm has run a task
// across one or more agents.
type CollaborationCompletedEvent struct {
	ID         string                   `json:"taskId"`
	TaskType   string                   `json:"taskType"`
	Strategy   string                   `json:"strategy"`
	Confidence float64                  `json:"confidence"`
	Agents     []string                 `json:"agents"`
	Results    map[string]task.Response `json:"results"`
	Canonical  *task.Response           `json:"canonical,omitempty"`
	Timestamp  time.Time                `json:"timestamp"`
}

func (e CollaborationCompletedEvent) EventType() string { return EventTypeCollaborationCompleted }
func (e CollaborationCompletedEvent) SubjectID() string { return e.ID }

// WorkflowProgressEvent is published each time a workflow step finishes.
type WorkflowProgressEvent struct {
	WorkflowID     string    `json:"workflowId"`
	StepID         string    `json:"stepId"`
	Success        bool      `json:"success"`
	CompletedSteps int       `json:"completedSteps"`
	TotalSteps     int       `json:"totalSteps"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e WorkflowProgressEvent) EventType() string { return EventTypeWorkflowProgress }
func (e WorkflowProgressEvent) SubjectID() string { return e.WorkflowID }

// WorkflowCompletedEvent carries the per-step results of a finished workflow.
type WorkflowCompletedEvent struct {
	WorkflowID string                   `json:"workflowId"`
	Name       string                   `json:"name"`
	Results    map[string]task.Response `json:"results"`
	Duration   time.Duration            `json:"duration"`
	Timestamp  time.Time                `json:"timestamp"`
}

func (e WorkflowCompletedEvent) EventType() string { return EventTypeWorkflowCompleted }
func (e WorkflowCompletedEvent) SubjectID() string { return e.WorkflowID }

// WorkflowStalledEvent is published when no remaining step can become ready.
type WorkflowStalledEvent struct {
	WorkflowID string                   `json:"workflowId"`
	Name       string                   `json:"name"`
	Blocked    []string                 `json:"blocked"`
	Failed     []string                 `json:"failed,omitempty"`
	Results    map[string]task.Response `json:"results"`
	Timestamp  time.Time                `json:"timestamp"`
}

func (e WorkflowStalledEvent) EventType() string { return EventTypeWorkflowStalled }
func (e WorkflowStalledEvent) SubjectID() string { return e.WorkflowID }

// CircuitStateEvent is published on every agent breaker transition.
type CircuitStateEvent struct {
	AgentID   string    `json:"agentId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

func (e CircuitStateEvent) EventType() string { return EventTypeCircuitStateChanged }
func (e CircuitStateEvent) SubjectID() string { return e.AgentID }

// RecoveryEvent reports the outcome of an agent recovery run.
type RecoveryEvent struct {
	AgentID   string    `json:"agentId"`
	Recovered bool      `json:"recovered"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RecoveryEvent) EventType() string { return EventTypeRecoveryFinished }
func (e RecoveryEvent) SubjectID() string { return e.AgentID }
