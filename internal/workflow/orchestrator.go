// Package workflow runs DAGs of steps, dispatching every step whose
// dependencies have resolved and feeding it their outputs.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/logger"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/telemetry"
)

// DefaultMaxConcurrency bounds how many steps of one frontier run at once.
const DefaultMaxConcurrency = 4

// DefaultRetention is how long a finished run stays available to Status
// and Wait.
const DefaultRetention = 10 * time.Minute

// Dispatcher runs one task to a final response. Errors are coordination
// failures; a task that ran and failed comes back as a failed response.
type Dispatcher interface {
	Dispatch(ctx context.Context, t task.Task) (task.Response, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, t task.Task) (task.Response, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, t task.Task) (task.Response, error) {
	return f(ctx, t)
}

// State is the lifecycle state of a workflow run.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateStalled    State = "stalled"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStalled || s == StateCancelled
}

// StepResult is a step's final status and response.
type StepResult struct {
	Status   StepStatus    `json:"status"`
	Response task.Response `json:"response"`
}

// Result is the outcome of a run. On a stall it is partial.
type Result struct {
	WorkflowID string                `json:"workflowId"`
	Name       string                `json:"name"`
	State      State                 `json:"state"`
	Steps      map[string]StepResult `json:"steps"`
	// Order lists steps in the order they finished.
	Order    []string      `json:"order"`
	Duration time.Duration `json:"duration"`
}

// Responses returns each finished step's response keyed by step ID.
func (r *Result) Responses() map[string]task.Response {
	out := make(map[string]task.Response, len(r.Steps))
	for id, s := range r.Steps {
		if s.Status == StepCompleted || s.Status == StepFailed {
			out[id] = s.Response
		}
	}
	return out
}

// StallError reports a run that ended with steps that could never start.
type StallError struct {
	WorkflowID string
	Blocked    []string
	Failed     []string
}

func (e *StallError) Error() string {
	msg := fmt.Sprintf("workflow %s stalled with blocked steps [%s]", e.WorkflowID, strings.Join(e.Blocked, ", "))
	if len(e.Failed) > 0 {
		msg += fmt.Sprintf(" after failed steps [%s]", strings.Join(e.Failed, ", "))
	}
	return msg
}

func (e *StallError) Unwrap() error { return task.ErrWorkflowStalled }

// Status is a snapshot of a run.
type Status struct {
	WorkflowID     string `json:"workflowId"`
	Name           string `json:"name"`
	State          State  `json:"state"`
	CompletedSteps int    `json:"completedSteps"`
	TotalSteps     int    `json:"totalSteps"`
}

// Options configures an Orchestrator.
type Options struct {
	Logger         *zap.Logger
	Metrics        *telemetry.Recorder
	Bus            *events.EventBus
	MaxConcurrency int
	Retention      time.Duration
	// Release is called with every step's task ID once the run has ended
	// and its results have been published, so the dispatcher can drop
	// what it stored for those tasks.
	Release func(taskID string)
}

type run struct {
	wf     Workflow
	plan   *plan
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	result *Result
	err    error
	expiry *time.Timer
}

// Orchestrator executes workflows through a Dispatcher.
type Orchestrator struct {
	dispatcher     Dispatcher
	log            *zap.Logger
	metrics        *telemetry.Recorder
	bus            *events.EventBus
	maxConcurrency int
	retention      time.Duration
	release        func(taskID string)
	locks          *resourceLocks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

// New returns an Orchestrator dispatching steps through d.
func New(d Dispatcher, opts Options) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		dispatcher:     d,
		log:            logger.OrNop(opts.Logger).Named("workflow"),
		metrics:        opts.Metrics,
		bus:            opts.Bus,
		maxConcurrency: opts.MaxConcurrency,
		retention:      opts.Retention,
		release:        opts.Release,
		locks:          newResourceLocks(),
		ctx:            ctx,
		cancel:         cancel,
		runs:           make(map[string]*run),
	}
}

// Execute runs wf to the end and returns its result. A stalled run
// returns the partial result with a *StallError; a cancelled one returns
// the partial result with the context's error.
func (o *Orchestrator) Execute(ctx context.Context, wf Workflow) (*Result, error) {
	r, ctx, err := o.start(ctx, wf)
	if err != nil {
		return nil, err
	}
	defer r.cancel()
	o.execute(ctx, r)
	return r.result, r.err
}

// Submit starts wf in the background and returns its ID. The run is
// independent of ctx's cancellation; use Cancel to stop it.
func (o *Orchestrator) Submit(ctx context.Context, wf Workflow) (string, error) {
	r, runCtx, err := o.start(context.WithoutCancel(ctx), wf)
	if err != nil {
		return "", err
	}
	stop := context.AfterFunc(o.ctx, r.cancel)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer stop()
		defer r.cancel()
		o.execute(runCtx, r)
	}()
	return r.wf.ID, nil
}

func (o *Orchestrator) start(ctx context.Context, wf Workflow) (*run, context.Context, error) {
	if err := o.ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("orchestrator closed: %w", err)
	}
	if wf.ID == "" {
		wf.ID = task.NewID()
	}
	if _, err := wf.Validate(); err != nil {
		o.log.Warn("submitting invalid workflow", zap.String("workflow", wf.ID), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &run{wf: wf, plan: newPlan(wf), state: StatePending, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.runs[wf.ID]; ok && !prev.state.Terminal() {
		cancel()
		return nil, nil, fmt.Errorf("workflow %q is already running", wf.ID)
	}
	o.runs[wf.ID] = r
	return r, ctx, nil
}

// execute dispatches frontier after frontier until nothing more can start.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	log := o.log.With(zap.String("workflow", r.wf.ID), zap.String("name", r.wf.Name))
	started := time.Now()
	o.setState(r, StateInProgress)
	log.Info("workflow started", zap.Int("steps", len(r.plan.order)))

	for ctx.Err() == nil {
		frontier := r.plan.eligible()
		if len(frontier) == 0 {
			break
		}

		g := new(errgroup.Group)
		g.SetLimit(o.maxConcurrency)
		for _, s := range frontier {
			r.plan.markRunning(s.ID)
			g.Go(func() error {
				o.runStep(ctx, r, s)
				return nil
			})
		}
		_ = g.Wait()
	}

	res := &Result{
		WorkflowID: r.wf.ID,
		Name:       r.wf.Name,
		Steps:      r.plan.results(),
		Order:      r.plan.completionOrder(),
		Duration:   time.Since(started),
	}
	blocked, failed := r.plan.unfinished()

	var err error
	switch {
	case ctx.Err() != nil:
		res.State = StateCancelled
		err = ctx.Err()
		log.Info("workflow cancelled", zap.Strings("unfinished", blocked))
	case len(blocked) > 0:
		res.State = StateStalled
		err = &StallError{WorkflowID: r.wf.ID, Blocked: blocked, Failed: failed}
		log.Warn("workflow stalled", zap.Strings("blocked", blocked), zap.Strings("failed", failed))
		o.publish(events.WorkflowStalledEvent{
			WorkflowID: r.wf.ID,
			Name:       r.wf.Name,
			Blocked:    blocked,
			Failed:     failed,
			Results:    res.Responses(),
			Timestamp:  time.Now(),
		})
	default:
		res.State = StateCompleted
		log.Info("workflow completed", zap.Duration("duration", res.Duration), zap.Strings("failed", failed))
		o.publish(events.WorkflowCompletedEvent{
			WorkflowID: r.wf.ID,
			Name:       r.wf.Name,
			Results:    res.Responses(),
			Duration:   res.Duration,
			Timestamp:  time.Now(),
		})
	}
	o.metrics.WorkflowFinished(context.Background(), string(res.State), res.Duration)

	if o.release != nil {
		for _, s := range r.wf.Steps {
			o.release(TaskID(r.wf.ID, s.ID))
		}
	}

	o.mu.Lock()
	r.state = res.State
	r.result = res
	r.err = err
	r.plan = nil
	r.expiry = time.AfterFunc(o.retention, func() { o.evict(r) })
	o.mu.Unlock()
	close(r.done)
}

// evict drops a finished run unless its ID has been reused since.
func (o *Orchestrator) evict(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[r.wf.ID] == r {
		delete(o.runs, r.wf.ID)
	}
}

func (o *Orchestrator) runStep(ctx context.Context, r *run, s Step) {
	unlock := o.locks.lockAll(s.Resources)
	defer unlock()

	t := task.Task{
		ID:       TaskID(r.wf.ID, s.ID),
		Type:     s.TaskType,
		Priority: s.Priority,
		Data:     r.plan.prepareTaskData(s),
	}
	if s.DepartmentID != "" {
		t.Departments = []string{s.DepartmentID}
	}

	resp, err := o.dispatcher.Dispatch(ctx, t)
	if err != nil && resp.Success {
		resp = task.Failed(err, 0)
	} else if err != nil && resp.Err == nil {
		resp = task.Failed(err, time.Duration(resp.Metadata.ProcessingTime)*time.Millisecond)
	}
	done, total := r.plan.finish(s.ID, resp)

	if resp.Success {
		o.log.Debug("step completed", zap.String("workflow", r.wf.ID), zap.String("step", s.ID))
	} else {
		o.log.Warn("step failed", zap.String("workflow", r.wf.ID), zap.String("step", s.ID),
			zap.String("failure_mode", s.FailureMode.String()), zap.String("error", resp.Error))
	}
	o.publish(events.WorkflowProgressEvent{
		WorkflowID:     r.wf.ID,
		StepID:         s.ID,
		Success:        resp.Success,
		CompletedSteps: done,
		TotalSteps:     total,
		Timestamp:      time.Now(),
	})
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus != nil {
		o.bus.Publish(events.TopicWorkflow, ev)
	}
}

func (o *Orchestrator) setState(r *run, s State) {
	o.mu.Lock()
	r.state = s
	o.mu.Unlock()
}

// Status returns a snapshot of a run.
func (o *Orchestrator) Status(id string) (Status, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	if !ok {
		o.mu.Unlock()
		return Status{}, fmt.Errorf("workflow %q: %w", id, task.ErrTaskNotFound)
	}
	st := Status{WorkflowID: id, Name: r.wf.Name, State: r.state}
	p, res := r.plan, r.result
	o.mu.Unlock()

	switch {
	case res != nil:
		st.TotalSteps = len(res.Steps)
		st.CompletedSteps = len(res.Order)
	case p != nil:
		st.CompletedSteps, st.TotalSteps = p.progress()
	}
	return st, nil
}

// Wait blocks until a run finishes and returns what Execute would have.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Result, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, task.ErrTaskNotFound)
	}
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a running workflow. Steps already dispatched are cancelled
// through their context. It reports whether the run was active.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
	}
	r.cancel()
	return true
}

// Forget drops a finished run's result.
func (o *Orchestrator) Forget(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	if !ok {
		return fmt.Errorf("workflow %q: %w", id, task.ErrTaskNotFound)
	}
	if !r.state.Terminal() {
		return errors.New("workflow is still running")
	}
	if r.expiry != nil {
		r.expiry.Stop()
	}
	delete(o.runs, id)
	return nil
}

// Close cancels background runs and waits for them.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}
