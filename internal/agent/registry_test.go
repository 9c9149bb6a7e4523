package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentmesh/internal/task"
)

func register(t *testing.T, reg *Registry, spec Spec) *Runtime {
	t.Helper()
	rt := NewRuntime(spec, okHandler(1), Options{})
	require.NoError(t, reg.Register(rt))
	return rt
}

func TestRegistryCapable(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	sales := register(t, reg, Spec{ID: "sales-1", DepartmentID: "sales", Capabilities: []string{"pricing", "forecast"}})
	finance := register(t, reg, Spec{ID: "fin-1", DepartmentID: "finance", Capabilities: []string{"pricing"}})
	anywhere := register(t, reg, Spec{ID: "any-1", Capabilities: []string{"pricing"}})

	tests := []struct {
		name string
		task task.Task
		want []*Runtime
	}{
		{"all departments", task.Task{Type: "pricing"}, []*Runtime{sales, finance, anywhere}},
		{"department filter", task.Task{Type: "pricing", Departments: []string{"finance"}}, []*Runtime{finance, anywhere}},
		{"single capability", task.Task{Type: "forecast"}, []*Runtime{sales}},
		{"unknown type", task.Task{Type: "legal"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reg.Capable(tt.task))
		})
	}

	assert.Equal(t, []string{"forecast", "pricing"}, reg.Types())
	assert.Len(t, reg.All(), 3)

	got, ok := reg.Get("fin-1")
	assert.True(t, ok)
	assert.Same(t, finance, got)
	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestRegistryRejectsInvalidAgents(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	register(t, reg, Spec{ID: "a1", Capabilities: []string{"x"}})

	assert.Error(t, reg.Register(NewRuntime(Spec{ID: "a1", Capabilities: []string{"y"}}, okHandler(1), Options{})), "duplicate id")
	assert.Error(t, reg.Register(NewRuntime(Spec{ID: "a2"}, okHandler(1), Options{})), "no capabilities")
	assert.Error(t, reg.Register(NewRuntime(Spec{Capabilities: []string{"x"}}, okHandler(1), Options{})), "no id")
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()
	register(t, reg, Spec{ID: "a1", Capabilities: []string{"pricing"}})

	require.NoError(t, reg.Validate([]string{"pricing"}))

	err := reg.Validate([]string{"pricing", "legal", "audit"})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrNoAgentsAvailable)
	assert.Contains(t, err.Error(), `"legal"`)
	assert.Contains(t, err.Error(), `"audit"`)
}
