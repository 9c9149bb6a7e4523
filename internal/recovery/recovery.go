// Package recovery restarts agents whose circuit has opened. It is the only
// part of the system that waits and retries; everything else fails fast.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/agent"
	"github.com/aristath/agentmesh/internal/breaker"
	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/logger"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/telemetry"
)

// Config controls the retry schedule.
type Config struct {
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// DefaultConfig returns three attempts, 1s apart at first, growing by 1.5x.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 1.5,
		MaxDelay:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// Target is an agent that can be restarted. *agent.Runtime implements it.
type Target interface {
	ID() string
	SetStatus(agent.Status)
	Restart(ctx context.Context) error
	Health(ctx context.Context) (float64, error)
}

// Monitor is told how each recovery run ended.
type Monitor interface {
	RecordSuccess(agentID string)
	RecordFailure(agentID string, err error)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	AgentID  string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("recovery of agent %q failed after %d attempts: %v", e.AgentID, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{task.ErrRecoveryExhausted}
	}
	return []error{task.ErrRecoveryExhausted, e.Last}
}

// Failure is a permanent-failure record.
type Failure struct {
	AgentID  string    `json:"agentId"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// Options configures a Manager.
type Options struct {
	Config  Config
	Monitor Monitor
	Logger  *zap.Logger
	Metrics *telemetry.Recorder
	Bus     *events.EventBus
	// Resolve finds the agent named in a breaker transition.
	Resolve func(agentID string) (Target, bool)
}

type run struct {
	done chan struct{}
	ok   bool
	err  error
}

// Manager runs recoveries, at most one per agent at a time.
type Manager struct {
	cfg     Config
	monitor Monitor
	log     *zap.Logger
	metrics *telemetry.Recorder
	bus     *events.EventBus
	resolve func(string) (Target, bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  map[string]*run
	failures []Failure
}

// NewManager returns a Manager. Zero config fields take their defaults.
func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     opts.Config.withDefaults(),
		monitor: opts.Monitor,
		log:     logger.OrNop(opts.Logger).Named("recovery"),
		metrics: opts.Metrics,
		bus:     opts.Bus,
		resolve: opts.Resolve,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*run),
	}
}

// Recover restarts t until it reports a positive health level or the
// attempts run out. A recovery already running for the same agent is
// joined rather than duplicated.
func (m *Manager) Recover(ctx context.Context, t Target) (bool, error) {
	id := t.ID()

	m.mu.Lock()
	if r, ok := m.running[id]; ok {
		m.mu.Unlock()
		select {
		case <-r.done:
			return r.ok, r.err
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	r := &run{done: make(chan struct{})}
	m.running[id] = r
	m.mu.Unlock()

	r.ok, r.err = m.recover(ctx, t)

	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
	close(r.done)
	return r.ok, r.err
}

func (m *Manager) recover(ctx context.Context, t Target) (bool, error) {
	id := t.ID()
	log := m.log.With(zap.String("agent", id))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.InitialDelay
	policy.Multiplier = m.cfg.BackoffMultiplier
	policy.MaxInterval = m.cfg.MaxDelay
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		t.SetStatus(agent.StatusRestarting)
		err := t.Restart(ctx)
		t.SetStatus(agent.StatusActive)
		if err != nil {
			return fmt.Errorf("restart: %w", err)
		}

		level, err := t.Health(ctx)
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		if level <= 0 {
			return fmt.Errorf("unhealthy after restart (level %.2f)", level)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn("recovery attempt failed", zap.Int("attempt", attempts), zap.Duration("retry_in", next), zap.Error(err))
	}

	retries := uint64(m.cfg.MaxRetries - 1)
	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx), notify)

	switch {
	case err == nil:
		log.Info("agent recovered", zap.Int("attempts", attempts))
		if m.monitor != nil {
			m.monitor.RecordSuccess(id)
		}
		m.finished(id, true, attempts, nil)
		return true, nil

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Info("recovery abandoned", zap.Error(err))
		return false, err
	}

	exhausted := &ExhaustedError{AgentID: id, Attempts: attempts, Last: err}
	log.Error("agent recovery exhausted", zap.Int("attempts", attempts), zap.Error(err))

	m.mu.Lock()
	m.failures = append(m.failures, Failure{AgentID: id, Attempts: attempts, Error: err.Error(), At: time.Now()})
	m.mu.Unlock()

	if m.monitor != nil {
		m.monitor.RecordFailure(id, exhausted)
	}
	m.finished(id, false, attempts, err)
	return false, exhausted
}

func (m *Manager) finished(id string, ok bool, attempts int, err error) {
	m.metrics.RecoveryFinished(context.Background(), id, ok)
	if m.bus == nil {
		return
	}
	ev := events.RecoveryEvent{AgentID: id, Recovered: ok, Attempts: attempts, Timestamp: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	m.bus.Publish(events.TopicAgent, ev)
}

// HandleStateChange starts a background recovery when an agent's circuit
// opens. It has the signature of agent.Options.OnBreakerChange.
func (m *Manager) HandleStateChange(agentID string, from, to breaker.State) {
	if to != breaker.StateOpen || m.resolve == nil {
		return
	}
	t, ok := m.resolve(agentID)
	if !ok {
		m.log.Warn("circuit opened for unknown agent", zap.String("agent", agentID))
		return
	}
	if m.ctx.Err() != nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = m.Recover(m.ctx, t)
	}()
}

// Running reports whether a recovery for agentID is in progress.
func (m *Manager) Running(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[agentID]
	return ok
}

// Failures returns every permanent-failure record, oldest first.
func (m *Manager) Failures() []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Failure(nil), m.failures...)
}

// Close stops background recoveries and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
