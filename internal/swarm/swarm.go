// Package swarm decides how many agents work on a task and merges what
// they return.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentmesh/internal/agent"
	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/logger"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/telemetry"
)

// Strategy is how a task is spread over agents.
type Strategy string

const (
	Parallel   Strategy = "parallel"
	Sequential Strategy = "sequential"
	Consensus  Strategy = "consensus"
)

// Confidence reported with each automatic decision.
const (
	ParallelConfidence   = 0.9
	SequentialConfidence = 0.7
)

// StrategyKey in task data forces a strategy, e.g. {"strategy": "consensus"}.
const StrategyKey = "strategy"

// ParseStrategy accepts the three strategy names, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case Parallel, Sequential, Consensus:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Decision is the strategy picked for a task and the agents it involves.
type Decision struct {
	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`
	Agents     []string `json:"agents"`
}

// Outcome is everything a swarm run produced. Results are keyed by agent
// ID and carry no ordering. Canonical is nil when no agent succeeded.
type Outcome struct {
	TaskID    string                   `json:"taskId"`
	Decision  Decision                 `json:"decision"`
	Results   map[string]task.Response `json:"results"`
	Canonical *task.Response           `json:"canonical,omitempty"`
}

// Options configures a Coordinator.
type Options struct {
	Logger  *zap.Logger
	Metrics *telemetry.Recorder
	Bus     *events.EventBus
	// MaxParallel caps concurrent dispatches per task. Zero means no cap.
	MaxParallel int
}

// Coordinator runs tasks across the agents in a registry.
type Coordinator struct {
	reg         *agent.Registry
	log         *zap.Logger
	metrics     *telemetry.Recorder
	bus         *events.EventBus
	maxParallel int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	active    map[string]context.CancelFunc
	canonical map[string]task.Response
}

// New returns a Coordinator over reg.
func New(reg *agent.Registry, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		reg:         reg,
		log:         logger.OrNop(opts.Logger).Named("swarm"),
		metrics:     opts.Metrics,
		bus:         opts.Bus,
		maxParallel: opts.MaxParallel,
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[string]context.CancelFunc),
		canonical:   make(map[string]task.Response),
	}
}

// Decide picks parallel when several agents can take t, sequential when
// exactly one can, and fails with *task.NoAgentsError when none can.
func (c *Coordinator) Decide(t task.Task) (Decision, error) {
	d, _, err := c.decide(t)
	return d, err
}

// decide also returns the runtimes behind Decision.Agents, in the same order.
func (c *Coordinator) decide(t task.Task) (Decision, []*agent.Runtime, error) {
	capable := c.reg.Capable(t)
	ids := make([]string, len(capable))
	for i, rt := range capable {
		ids[i] = rt.ID()
	}

	switch len(capable) {
	case 0:
		return Decision{}, nil, &task.NoAgentsError{TaskID: t.ID, TaskType: t.Type, Departments: t.Departments}
	case 1:
		return Decision{Strategy: Sequential, Confidence: SequentialConfidence, Agents: ids}, capable, nil
	}
	return Decision{Strategy: Parallel, Confidence: ParallelConfidence, Agents: ids}, capable, nil
}

// Execute runs t with the decided strategy, or with the one named under
// StrategyKey in its data.
func (c *Coordinator) Execute(ctx context.Context, t task.Task) (Outcome, error) {
	if s, ok := t.Data[StrategyKey].(string); ok {
		st, err := ParseStrategy(s)
		if err != nil {
			return Outcome{TaskID: t.ID}, err
		}
		return c.ExecuteWith(ctx, t, st)
	}
	return c.ExecuteWith(ctx, t, "")
}

// ExecuteWith runs t with strategy s. An empty s uses Decide.
func (c *Coordinator) ExecuteWith(ctx context.Context, t task.Task, s Strategy) (Outcome, error) {
	t.EnsureID()
	decision, runtimes, err := c.decide(t)
	if err != nil {
		c.log.Warn("no agents for task", zap.String("task", t.ID), zap.String("type", t.Type))
		return Outcome{TaskID: t.ID}, err
	}
	if s != "" && s != decision.Strategy {
		decision.Strategy = s
		if s == Sequential {
			decision.Confidence = SequentialConfidence
		} else {
			decision.Confidence = ParallelConfidence
		}
	}
	c.metrics.SwarmDecision(ctx, t.Type, string(decision.Strategy))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.track(t.ID, cancel)
	defer c.untrack(t.ID)

	log := c.log.With(zap.String("task", t.ID), zap.String("strategy", string(decision.Strategy)))
	log.Debug("dispatching", zap.Strings("agents", decision.Agents))

	out := Outcome{TaskID: t.ID, Decision: decision}
	switch decision.Strategy {
	case Sequential:
		out.Results, err = c.runSequential(ctx, t, runtimes)
		out.Canonical = firstSuccess(decision.Agents, out.Results)
	case Consensus:
		out.Results, err = c.runParallel(ctx, t, runtimes)
		out.Canonical = mostConfident(decision.Agents, out.Results)
	default:
		out.Results, err = c.runParallel(ctx, t, runtimes)
		out.Canonical = firstSuccess(decision.Agents, out.Results)
	}
	if err != nil {
		log.Info("swarm run abandoned", zap.Error(err))
		return out, err
	}

	if out.Canonical != nil {
		c.mu.Lock()
		c.canonical[t.ID] = *out.Canonical
		c.mu.Unlock()
	}

	// Sequential runs where every agent failed emit nothing.
	if out.Canonical != nil || decision.Strategy != Sequential {
		c.publishCollaboration(t, out)
	}
	if out.Canonical == nil {
		log.Warn("no agent succeeded", zap.Int("attempted", len(out.Results)))
	}
	return out, nil
}

func (c *Coordinator) runParallel(ctx context.Context, t task.Task, runtimes []*agent.Runtime) (map[string]task.Response, error) {
	var mu sync.Mutex
	results := make(map[string]task.Response, len(runtimes))

	g := new(errgroup.Group)
	if c.maxParallel > 0 {
		g.SetLimit(c.maxParallel)
	}
	for _, rt := range runtimes {
		g.Go(func() error {
			resp, err := rt.Execute(ctx, t.Clone())
			if err != nil {
				resp = task.Failed(err, 0)
			}
			mu.Lock()
			results[rt.ID()] = resp
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		for _, rt := range runtimes {
			rt.Cancel(t.ID)
		}
		return results, err
	}
	return results, nil
}

func (c *Coordinator) runSequential(ctx context.Context, t task.Task, runtimes []*agent.Runtime) (map[string]task.Response, error) {
	results := make(map[string]task.Response, len(runtimes))
	for _, rt := range runtimes {
		resp, err := rt.Execute(ctx, t.Clone())
		if err != nil {
			results[rt.ID()] = task.Failed(err, 0)
			return results, err
		}
		results[rt.ID()] = resp
		if resp.Success {
			break
		}
	}
	return results, nil
}

// firstSuccess returns the first successful response in agent order.
func firstSuccess(order []string, results map[string]task.Response) *task.Response {
	for _, id := range order {
		if r, ok := results[id]; ok && r.Success {
			return &r
		}
	}
	return nil
}

// mostConfident returns the successful response with the highest
// confidence. Ties go to the earlier agent.
func mostConfident(order []string, results map[string]task.Response) *task.Response {
	var best *task.Response
	for _, id := range order {
		r, ok := results[id]
		if !ok || !r.Success {
			continue
		}
		if best == nil || r.Metadata.Confidence > best.Metadata.Confidence {
			best = &r
		}
	}
	return best
}

func (c *Coordinator) publishCollaboration(t task.Task, out Outcome) {
	if c.bus == nil {
		return
	}
	confidence := out.Decision.Confidence
	if out.Decision.Strategy == Consensus && out.Canonical != nil {
		confidence = out.Canonical.Metadata.Confidence
	}
	c.bus.Publish(events.TopicCollaboration, events.CollaborationCompletedEvent{
		ID:         t.ID,
		TaskType:   t.Type,
		Strategy:   string(out.Decision.Strategy),
		Confidence: confidence,
		Agents:     out.Decision.Agents,
		Results:    out.Results,
		Canonical:  out.Canonical,
		Timestamp:  time.Now(),
	})
}

// Dispatch runs t and returns its canonical response. When no agent
// succeeds the response is a failure joining every agent's error.
// Coordination failures, such as no capable agent, are returned as errors.
func (c *Coordinator) Dispatch(ctx context.Context, t task.Task) (task.Response, error) {
	out, err := c.Execute(ctx, t)
	if err != nil {
		return task.Failed(err, 0), err
	}
	return Merge(out), nil
}

// Merge returns out's canonical response or a failure summarising why
// there is none.
func Merge(out Outcome) task.Response {
	if out.Canonical != nil {
		return *out.Canonical
	}
	var errs []error
	for _, id := range out.Decision.Agents {
		r, ok := out.Results[id]
		if !ok {
			continue
		}
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", id, r.Err))
		} else {
			errs = append(errs, fmt.Errorf("agent %s: %s", id, r.Error))
		}
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no agent produced a result"))
	}
	return task.Failed(errors.Join(errs...), 0)
}

// SubmitTask validates t, runs it in the background and returns its ID.
// The final response is published as a task.completed event.
func (c *Coordinator) SubmitTask(ctx context.Context, t task.Task) (string, error) {
	id := t.EnsureID()
	if _, err := c.Decide(t); err != nil {
		return "", err
	}
	if err := c.ctx.Err(); err != nil {
		return "", fmt.Errorf("coordinator closed: %w", err)
	}

	// The run outlives the submitting request but not the coordinator.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.ctx, cancel)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stop()
		defer cancel()

		resp, err := c.Dispatch(runCtx, t)
		if err != nil {
			c.log.Info("submitted task ended without result", zap.String("task", id), zap.Error(err))
		}
		if c.bus != nil {
			c.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
				ID:        id,
				TaskType:  t.Type,
				Response:  resp,
				Timestamp: time.Now(),
			})
		}
	}()
	return id, nil
}

// Cancel abandons a running task, cancelling it on every agent it was
// dispatched to. It reports whether the task was running.
func (c *Coordinator) Cancel(taskID string) bool {
	c.mu.Lock()
	cancel, ok := c.active[taskID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CanonicalResult returns the stored canonical response for a task.
func (c *Coordinator) CanonicalResult(taskID string) (task.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.canonical[taskID]
	if !ok {
		return task.Response{}, &task.NotFoundError{TaskID: taskID}
	}
	return r, nil
}

// ForgetTask drops the canonical result for a task from the coordinator
// and from every agent's result store.
func (c *Coordinator) ForgetTask(taskID string) {
	c.mu.Lock()
	delete(c.canonical, taskID)
	c.mu.Unlock()
	for _, rt := range c.reg.All() {
		rt.ForgetResult(taskID)
	}
}

// Close cancels background submissions and waits for them.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) track(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.active[id] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}
