package workflow

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/agentmesh/internal/task"
)

// StepStatus is the state of one step within a run.
type StepStatus int

const (
	StepPending   StepStatus = iota // Waiting for dependencies
	StepRunning                     // Dispatched
	StepCompleted                   // Finished successfully
	StepFailed                      // Finished with a failed response
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	}
	return fmt.Sprintf("StepStatus(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s StepStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// FailureMode determines how a step's failure affects its dependents.
type FailureMode int

const (
	FailHard FailureMode = iota // Dependents never run
	FailSoft                    // Dependents still run
	FailSkip                    // Counts as success for dependency purposes
)

func (m FailureMode) String() string {
	switch m {
	case FailHard:
		return "hard"
	case FailSoft:
		return "soft"
	case FailSkip:
		return "skip"
	}
	return fmt.Sprintf("FailureMode(%d)", int(m))
}

// ParseFailureMode maps "hard", "soft" or "skip" to a FailureMode. Empty means hard.
func ParseFailureMode(s string) (FailureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hard":
		return FailHard, nil
	case "soft":
		return FailSoft, nil
	case "skip":
		return FailSkip, nil
	}
	return FailHard, fmt.Errorf("unknown failure mode %q", s)
}

func (m FailureMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *FailureMode) UnmarshalText(text []byte) error {
	v, err := ParseFailureMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Step is one node of a workflow.
type Step struct {
	ID           string         `json:"id" yaml:"id"`
	DepartmentID string         `json:"departmentId,omitempty" yaml:"department,omitempty"`
	TaskType     string         `json:"taskType" yaml:"task_type"`
	Priority     task.Priority  `json:"priority" yaml:"priority"`
	Data         map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	DependsOn    []string       `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	FailureMode  FailureMode    `json:"failureMode" yaml:"failure_mode"`
	// Resources names shared resources; steps naming the same one never run at once.
	Resources []string `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// Workflow is a DAG of steps.
type Workflow struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// Parse decodes a workflow from YAML (JSON is valid YAML).
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	return &wf, nil
}

// LoadFile reads and parses a workflow file.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}
	return Parse(data)
}

// TaskTypes returns the distinct task types the workflow needs, sorted.
func (w *Workflow) TaskTypes() []string {
	var types []string
	for _, s := range w.Steps {
		types = append(types, s.TaskType)
	}
	slices.Sort(types)
	return slices.Compact(types)
}

// Step returns the step with the given ID.
func (w *Workflow) Step(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// TaskID is the ID of the task dispatched for a step.
func TaskID(workflowID, stepID string) string {
	return workflowID + "/" + stepID
}
