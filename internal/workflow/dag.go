package workflow

import (
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/agentmesh/internal/task"
)

// DependencyResultsKey is the task data key under which a step receives
// the outputs of its dependencies, keyed by step ID.
const DependencyResultsKey = "dependencyResults"

// Validate checks step IDs are unique, every dependency exists and the
// steps form a DAG. It returns the step IDs in a topological order.
func (w *Workflow) Validate() ([]string, error) {
	ids := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("workflow %q has a step without an id", w.Name)
		}
		if ids[s.ID] {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("step %q depends on non-existent step %q", s.ID, dep)
			}
		}
	}

	var edges []toposort.Edge
	for _, s := range w.Steps {
		if len(s.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, s.ID})
			continue
		}
		for _, dep := range s.DependsOn {
			edges = append(edges, toposort.Edge{dep, s.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("workflow contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(ids) {
		var missing []string
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		for _, s := range w.Steps {
			if !seen[s.ID] {
				missing = append(missing, s.ID)
			}
		}
		return nil, fmt.Errorf("workflow contains cycle through: %s", strings.Join(missing, ", "))
	}
	return order, nil
}

type stepState struct {
	step   Step
	status StepStatus
	resp   task.Response
}

// plan tracks one run's step states. The first step declared with a
// given ID wins; later duplicates are ignored.
type plan struct {
	mu       sync.RWMutex
	steps    map[string]*stepState
	order    []string
	finished []string
}

func newPlan(w Workflow) *plan {
	p := &plan{steps: make(map[string]*stepState, len(w.Steps))}
	for _, s := range w.Steps {
		if _, dup := p.steps[s.ID]; dup {
			continue
		}
		p.steps[s.ID] = &stepState{step: s}
		p.order = append(p.order, s.ID)
	}
	return p
}

// eligible returns pending steps whose dependencies are all resolved, in
// declaration order.
func (p *plan) eligible() []Step {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Step
	for _, id := range p.order {
		st := p.steps[id]
		if st.status != StepPending {
			continue
		}
		ready := true
		for _, dep := range st.step.DependsOn {
			d, ok := p.steps[dep]
			if !ok || !resolved(d) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, st.step)
		}
	}
	return out
}

func resolved(st *stepState) bool {
	switch st.status {
	case StepCompleted:
		return true
	case StepFailed:
		return st.step.FailureMode != FailHard
	}
	return false
}

func (p *plan) markRunning(id string) {
	p.mu.Lock()
	p.steps[id].status = StepRunning
	p.mu.Unlock()
}

// finish records a step's response and returns the finished and total counts.
func (p *plan) finish(id string, resp task.Response) (done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.steps[id]
	st.resp = resp
	if resp.Success {
		st.status = StepCompleted
	} else {
		st.status = StepFailed
	}
	p.finished = append(p.finished, id)
	return len(p.finished), len(p.order)
}

// prepareTaskData merges the step's own data with its dependencies'
// successful outputs.
func (p *plan) prepareTaskData(s Step) map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data := make(map[string]any, len(s.Data)+1)
	maps.Copy(data, s.Data)
	if len(s.DependsOn) == 0 {
		return data
	}

	deps := make(map[string]any, len(s.DependsOn))
	for _, id := range s.DependsOn {
		if st, ok := p.steps[id]; ok && st.status == StepCompleted {
			deps[id] = st.resp.Data
		}
	}
	data[DependencyResultsKey] = deps
	return data
}

// unfinished returns steps that never ran and steps that failed hard.
func (p *plan) unfinished() (blocked, failed []string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, id := range p.order {
		st := p.steps[id]
		switch {
		case st.status == StepPending || st.status == StepRunning:
			blocked = append(blocked, id)
		case st.status == StepFailed && st.step.FailureMode == FailHard:
			failed = append(failed, id)
		}
	}
	return blocked, failed
}

func (p *plan) progress() (done, total int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.finished), len(p.order)
}

func (p *plan) results() map[string]StepResult {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]StepResult, len(p.order))
	for _, id := range p.order {
		st := p.steps[id]
		out[id] = StepResult{Status: st.status, Response: st.resp}
	}
	return out
}

func (p *plan) completionOrder() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.finished...)
}
