package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/agentmesh/internal/swarm"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/tui"
)

// taskFlags are shared by the task and submit commands.
type taskFlags struct {
	id          string
	data        map[string]string
	departments []string
	priority    string
	strategy    string
	timeout     time.Duration
	asJSON      bool
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "Task ID (default: generated)")
	cmd.Flags().StringToStringVarP(&f.data, "data", "d", nil, "Task data as key=value; values are parsed as YAML scalars")
	cmd.Flags().StringSliceVar(&f.departments, "dept", nil, "Restrict the task to these departments")
	cmd.Flags().StringVarP(&f.priority, "priority", "p", "medium", "Priority: low, medium or high")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "Force a strategy: parallel, sequential or consensus")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Minute, "Give up after this long")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Print the result as JSON")
}

// build turns the flags into a task of type taskType.
func (f *taskFlags) build(taskType string) (task.Task, error) {
	prio, err := task.ParsePriority(f.priority)
	if err != nil {
		return task.Task{}, err
	}
	data, err := parseData(f.data)
	if err != nil {
		return task.Task{}, err
	}
	if f.strategy != "" {
		st, err := swarm.ParseStrategy(f.strategy)
		if err != nil {
			return task.Task{}, err
		}
		data[swarm.StrategyKey] = string(st)
	}
	t := task.Task{
		ID:          f.id,
		Type:        taskType,
		Priority:    prio,
		Data:        data,
		Departments: f.departments,
	}
	if f.timeout > 0 {
		deadline := time.Now().Add(f.timeout)
		t.Deadline = &deadline
	}
	t.EnsureID()
	return t, nil
}

// parseData decodes each value as a YAML scalar so numbers and booleans
// keep their type.
func parseData(raw map[string]string) (map[string]any, error) {
	data := make(map[string]any, len(raw))
	for _, k := range slices.Sorted(maps.Keys(raw)) {
		var v any
		if err := yaml.Unmarshal([]byte(raw[k]), &v); err != nil {
			return nil, fmt.Errorf("data %q: %w", k, err)
		}
		if v == nil {
			v = raw[k]
		}
		data[k] = v
	}
	return data, nil
}

func newTaskCmd(g *globals) *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "task <type>",
		Short: "Run one task across every capable agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := f.build(args[0])
			if err != nil {
				return err
			}

			e, err := g.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			out, err := e.Execute(ctx, t)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if f.asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			_, _ = fmt.Fprintf(w, "%s over %v\n", out.Decision.Strategy, out.Decision.Agents)
			_, _ = fmt.Fprint(w, tui.TaskReport(out.TaskID, out.Results, out.Canonical))
			if out.Canonical == nil {
				return fmt.Errorf("task %s: %s", out.TaskID, swarm.Merge(out).Error)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
