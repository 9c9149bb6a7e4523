package task

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks by urgency.
type Priority int

const (
	PriorityLow    Priority = iota // Background work
	PriorityMedium                 // Default
	PriorityHigh                   // Dispatch first when a caller sorts
)

// String returns the lowercase name used in config and workflow files.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps "low", "medium" or "high" to a Priority. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Task is one unit of work handed to agents. Only its status changes after dispatch.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Priority    Priority       `json:"priority"`
	Data        map[string]any `json:"data,omitempty"`
	Departments []string       `json:"departments,omitempty"`
	DependsOn   []string       `json:"dependsOn,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
}

// NewID returns a fresh task identifier.
func NewID() string {
	return uuid.NewString()
}

// EnsureID assigns a generated ID when the task has none and returns the ID.
func (t *Task) EnsureID() string {
	if t.ID == "" {
		t.ID = NewID()
	}
	return t.ID
}

// InDepartment reports whether the task targets dept. A task without
// departments targets every department.
func (t Task) InDepartment(dept string) bool {
	if len(t.Departments) == 0 {
		return true
	}
	return slices.Contains(t.Departments, dept)
}

// Clone returns a copy that shares no slices or maps with t.
func (t Task) Clone() Task {
	cp := t
	if t.Data != nil {
		cp.Data = make(map[string]any, len(t.Data))
		for k, v := range t.Data {
			cp.Data[k] = v
		}
	}
	cp.Departments = slices.Clone(t.Departments)
	cp.DependsOn = slices.Clone(t.DependsOn)
	if t.Deadline != nil {
		d := *t.Deadline
		cp.Deadline = &d
	}
	return cp
}
