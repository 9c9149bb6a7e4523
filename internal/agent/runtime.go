package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/breaker"
	"github.com/aristath/agentmesh/internal/logger"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/telemetry"
)

// ErrClosed is returned when work is assigned to a closed runtime.
var ErrClosed = errors.New("agent runtime closed")

// Options configures a Runtime.
type Options struct {
	Breaker breaker.Settings
	Logger  *zap.Logger
	Metrics *telemetry.Recorder
	// OnBreakerChange is called after every breaker transition.
	OnBreakerChange func(agentID string, from, to breaker.State)
}

// Stats summarises completed attempts.
type Stats struct {
	Completed int64
	Failed    int64
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	Max       time.Duration
}

type job struct {
	task   task.Task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	resp   task.Response
}

// Runtime runs one agent's tasks strictly one at a time, in assignment order.
type Runtime struct {
	spec    Spec
	handler Handler
	breaker *breaker.Breaker
	log     *zap.Logger
	metrics *telemetry.Recorder

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	queue      []*job
	current    *job
	draining   bool
	restarting bool
	closed     bool
	pending    map[string]*job // latest unfinished job per task ID
	results    map[string]task.Response
	latency    *hdrhistogram.Histogram
	completed  int64
	failed     int64
}

// NewRuntime creates an idle runtime for spec.
func NewRuntime(spec Spec, h Handler, opts Options) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		spec:       spec,
		handler:    h,
		log:        logger.OrNop(opts.Logger).With(zap.String("agent", spec.ID)),
		metrics:    opts.Metrics,
		baseCtx:    ctx,
		baseCancel: cancel,
		pending:    make(map[string]*job),
		results:    make(map[string]task.Response),
		latency:    hdrhistogram.New(1, int64(time.Hour/time.Millisecond), 3),
	}

	settings := opts.Breaker
	settings.Name = spec.ID
	userHook := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to breaker.State) {
		if to == breaker.StateOpen {
			r.log.Warn("agent circuit opened", zap.String("from", from.String()))
		} else {
			r.log.Info("agent circuit state change", zap.String("from", from.String()), zap.String("to", to.String()))
		}
		r.metrics.BreakerTransition(context.Background(), name, from.String(), to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
		if opts.OnBreakerChange != nil {
			opts.OnBreakerChange(name, from, to)
		}
	}
	r.breaker = breaker.New(settings)
	return r
}

// ID returns the agent ID.
func (r *Runtime) ID() string { return r.spec.ID }

// Spec returns the agent description.
func (r *Runtime) Spec() Spec { return r.spec }

// Breaker exposes the agent's circuit breaker.
func (r *Runtime) Breaker() *breaker.Breaker { return r.breaker }

// AssignTask queues t and starts processing if the runtime is idle.
// Assigning a task ID again replaces its stored result once the new
// attempt finishes.
func (r *Runtime) AssignTask(t task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("agent %q: %w", r.spec.ID, ErrClosed)
	}

	t.EnsureID()
	ctx, cancel := context.WithCancel(r.baseCtx)
	if t.Deadline != nil {
		ctx, cancel = withDeadline(ctx, cancel, *t.Deadline)
	}
	j := &job{task: t.Clone(), ctx: ctx, cancel: cancel, done: make(chan struct{})}
	r.queue = append(r.queue, j)
	r.pending[t.ID] = j

	if !r.draining {
		r.draining = true
		go r.drain()
	}
	return nil
}

// Execute assigns t and waits for its result. Cancelling ctx cancels the task.
func (r *Runtime) Execute(ctx context.Context, t task.Task) (task.Response, error) {
	id := t.EnsureID()
	if err := r.AssignTask(t); err != nil {
		return task.Response{}, err
	}
	return r.Wait(ctx, id)
}

// Wait blocks until the task's latest attempt finishes. If ctx ends first
// the task is cancelled and ctx's error returned.
func (r *Runtime) Wait(ctx context.Context, taskID string) (task.Response, error) {
	r.mu.Lock()
	j, ok := r.pending[taskID]
	if !ok {
		resp, done := r.results[taskID]
		r.mu.Unlock()
		if !done {
			return task.Response{}, &task.NotFoundError{TaskID: taskID}
		}
		return resp, nil
	}
	r.mu.Unlock()

	select {
	case <-j.done:
		return j.resp, nil
	case <-ctx.Done():
		r.Cancel(taskID)
		return task.Response{}, ctx.Err()
	}
}

// TaskResult returns the stored result of a finished task.
func (r *Runtime) TaskResult(taskID string) (task.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp, ok := r.results[taskID]
	if !ok {
		return task.Response{}, &task.NotFoundError{TaskID: taskID}
	}
	return resp, nil
}

// ForgetResult drops a stored result.
func (r *Runtime) ForgetResult(taskID string) {
	r.mu.Lock()
	delete(r.results, taskID)
	r.mu.Unlock()
}

// Cancel cancels one queued or running task. Queued tasks resolve
// immediately with a cancelled response. It reports whether the task was found.
func (r *Runtime) Cancel(taskID string) bool {
	r.mu.Lock()
	if r.current != nil && r.current.task.ID == taskID {
		r.current.cancel()
		r.mu.Unlock()
		return true
	}

	var dropped *job
	for i, j := range r.queue {
		if j.task.ID == taskID {
			dropped = j
			r.queue = append(r.queue[:i:i], r.queue[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if dropped == nil {
		return false
	}
	r.finish(dropped, cancelledResponse(dropped.task.ID))
	return true
}

// CancelTasks clears the queue and aborts the running task.
func (r *Runtime) CancelTasks() {
	r.mu.Lock()
	queued := r.queue
	r.queue = nil
	if r.current != nil {
		r.current.cancel()
	}
	r.mu.Unlock()

	for _, j := range queued {
		r.finish(j, cancelledResponse(j.task.ID))
	}
	if len(queued) > 0 {
		r.log.Info("cancelled queued tasks", zap.Int("count", len(queued)))
	}
}

// QueueLength returns the number of tasks waiting behind the current one.
func (r *Runtime) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// SetStatus records a lifecycle status set by recovery. Only
// StatusRestarting and StatusActive are meaningful.
func (r *Runtime) SetStatus(s Status) {
	r.mu.Lock()
	r.restarting = s == StatusRestarting
	r.mu.Unlock()
	r.log.Debug("agent status", zap.String("status", string(s)))
}

// Status reports restarting, error (breaker open), busy or idle.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	restarting, busy := r.restarting, r.current != nil
	r.mu.Unlock()

	switch {
	case restarting:
		return StatusRestarting
	case r.breaker.State() == breaker.StateOpen:
		return StatusError
	case busy:
		return StatusBusy
	}
	return StatusIdle
}

// Restart aborts the running task, closes the breaker and rebuilds the
// handler if it supports it. Queued tasks are kept.
func (r *Runtime) Restart(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("agent %q: %w", r.spec.ID, ErrClosed)
	}
	if r.current != nil {
		r.current.cancel()
	}
	r.mu.Unlock()

	if ri, ok := r.handler.(Reinitializer); ok {
		if err := ri.Reinitialize(ctx); err != nil {
			return fmt.Errorf("reinitialize agent %q: %w", r.spec.ID, err)
		}
	}
	r.breaker.Reset()
	r.log.Info("agent restarted")
	return nil
}

// Health returns a level in [0,1]. Handlers that report their own health
// are asked; otherwise the level follows the breaker.
func (r *Runtime) Health(ctx context.Context) (float64, error) {
	if hr, ok := r.handler.(HealthReporter); ok {
		level, err := hr.Health(ctx)
		if err != nil {
			return 0, err
		}
		return task.ClampConfidence(level), nil
	}
	switch r.breaker.State() {
	case breaker.StateClosed:
		return 1, nil
	case breaker.StateHalfOpen:
		return 0.5, nil
	}
	return 0, nil
}

// Stats returns latency and outcome counters for finished attempts.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms := func(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }
	return Stats{
		Completed: r.completed,
		Failed:    r.failed,
		Mean:      ms(r.latency.Mean()),
		P50:       ms(float64(r.latency.ValueAtQuantile(50))),
		P95:       ms(float64(r.latency.ValueAtQuantile(95))),
		Max:       ms(float64(r.latency.Max())),
	}
}

// Close cancels all work and rejects further assignments.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.CancelTasks()
	r.baseCancel()
}

func (r *Runtime) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.current = nil
			r.draining = false
			r.mu.Unlock()
			return
		}
		j := r.queue[0]
		r.queue = r.queue[1:]
		r.current = j
		r.mu.Unlock()

		resp := r.run(j)

		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
		r.finish(j, resp)
	}
}

// run executes one attempt and updates the breaker.
func (r *Runtime) run(j *job) task.Response {
	defer j.cancel()

	switch err := j.ctx.Err(); {
	case errors.Is(err, context.Canceled):
		return cancelledResponse(j.task.ID)
	case err != nil:
		return task.Failed(fmt.Errorf("task %q: %w", j.task.ID, err), 0)
	}
	if !r.breaker.CanPass() {
		return task.Failed(&task.CircuitOpenError{AgentID: r.spec.ID}, 0)
	}

	start := time.Now()
	resp, err := r.invoke(j)
	elapsed := time.Since(start)

	// A caller cancelling the task says nothing about the agent's health.
	if errors.Is(j.ctx.Err(), context.Canceled) && (err != nil || !resp.Success) {
		resp = cancelledResponse(j.task.ID)
		resp.Metadata.ProcessingTime = elapsed.Milliseconds()
		return resp
	}

	if err != nil {
		r.breaker.RecordFailure()
		r.log.Warn("task failed", zap.String("task", j.task.ID), zap.Error(err))
		return task.Failed(err, elapsed)
	}
	if !resp.Success {
		r.breaker.RecordFailure()
		if resp.Error == "" {
			resp.Error = "agent reported failure"
		}
	} else {
		r.breaker.RecordSuccess()
		resp.Metadata.Confidence = task.ClampConfidence(resp.Metadata.Confidence)
	}
	if resp.Metadata.ProcessingTime == 0 {
		resp.Metadata.ProcessingTime = elapsed.Milliseconds()
	}
	return resp
}

// invoke calls the handler, converting panics into errors.
func (r *Runtime) invoke(j *job) (resp task.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent %q panicked: %v", r.spec.ID, p)
		}
	}()
	return r.handler.Handle(j.ctx, j.task.Clone())
}

func (r *Runtime) finish(j *job, resp task.Response) {
	r.mu.Lock()
	j.resp = resp
	r.results[j.task.ID] = resp
	if r.pending[j.task.ID] == j {
		delete(r.pending, j.task.ID)
	}
	cancelled := errors.Is(resp.Err, task.ErrCancelled)
	if !cancelled {
		if resp.Success {
			r.completed++
		} else {
			r.failed++
		}
		ms := resp.Metadata.ProcessingTime
		ms = min(max(ms, 1), r.latency.HighestTrackableValue())
		if err := r.latency.RecordValue(ms); err != nil {
			r.log.Warn("latency not recorded", zap.Int64("ms", ms), zap.Error(err))
		}
	}
	r.mu.Unlock()

	close(j.done)
	if !cancelled {
		r.metrics.TaskFinished(context.Background(), r.spec.ID, j.task.Type, resp.Success,
			time.Duration(resp.Metadata.ProcessingTime)*time.Millisecond)
	}
}

func cancelledResponse(taskID string) task.Response {
	return task.Failed(fmt.Errorf("task %q: %w", taskID, task.ErrCancelled), 0)
}

func withDeadline(parent context.Context, parentCancel context.CancelFunc, deadline time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithDeadline(parent, deadline)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}
