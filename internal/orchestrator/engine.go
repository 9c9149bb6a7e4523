package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/agent"
	"github.com/aristath/agentmesh/internal/breaker"
	"github.com/aristath/agentmesh/internal/capability"
	"github.com/aristath/agentmesh/internal/config"
	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/graph"
	"github.com/aristath/agentmesh/internal/logger"
	"github.com/aristath/agentmesh/internal/natsbus"
	"github.com/aristath/agentmesh/internal/persistence"
	"github.com/aristath/agentmesh/internal/recovery"
	"github.com/aristath/agentmesh/internal/schedule"
	"github.com/aristath/agentmesh/internal/swarm"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/telemetry"
	"github.com/aristath/agentmesh/internal/workflow"
)

// Options customises an Engine beyond what the configuration covers.
type Options struct {
	// Logger replaces the logger built from the log section.
	Logger *zap.Logger
	// Meter receives metrics. Nil uses the global meter provider.
	Meter metric.Meter
	// Handlers replaces the provider-backed handler of the named agents.
	Handlers map[string]agent.Handler
	// Store replaces the store selected by the store section. The engine
	// does not close it.
	Store persistence.Store
}

// Engine owns every coordination component and the wiring between them.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	bus       *events.EventBus
	registry  *agent.Registry
	swarm     *swarm.Coordinator
	workflows *workflow.Orchestrator
	recovery  *recovery.Manager
	graph     *graph.Store
	insights  *GraphOrchestrator
	metrics   *telemetry.Recorder
	scheduler *schedule.Scheduler

	store     persistence.Store
	ownsStore bool

	pm       *capability.ProcessManager
	guards   *capability.BreakerRegistry
	invokers map[string]capability.Invoker

	natsServer *natsbus.Server
	natsClient *natsbus.Client
	bridge     *natsbus.Bridge

	mu        sync.Mutex
	unsubs    []func()
	closeOnce sync.Once
}

// New builds an engine from cfg. A nil cfg uses config.DefaultConfig.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		if log, err = logger.New(&cfg.Log); err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		bus:      events.NewEventBus(events.WithLogger(log.Named("events"))),
		registry: agent.NewRegistry(),
		graph:    graph.NewStore(),
		pm:       capability.NewProcessManager(),
		invokers: make(map[string]capability.Invoker),
	}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		if e.metrics, err = telemetry.NewRecorder(opts.Meter); err != nil {
			return nil, fmt.Errorf("creating metrics: %w", err)
		}
	}

	e.guards = capability.NewBreakerRegistry(capability.BreakerSettings{
		ConsecutiveFailures: cfg.Guard.ConsecutiveFailures,
		OpenTimeout:         cfg.Guard.OpenTimeout,
		HalfOpenRequests:    cfg.Guard.HalfOpenRequests,
	}, log)

	e.insights = NewGraphOrchestrator(e.graph, log)
	e.insights.Attach(e.bus)

	if opts.Store != nil {
		e.store = opts.Store
	} else {
		if e.store, err = openStore(ctx, cfg.Store); err != nil {
			return nil, err
		}
		e.ownsStore = e.store != nil
	}

	e.recovery = recovery.NewManager(recovery.Options{
		Config: recovery.Config{
			MaxRetries:        cfg.Recovery.MaxRetries,
			InitialDelay:      cfg.Recovery.InitialDelay,
			BackoffMultiplier: cfg.Recovery.BackoffMultiplier,
			MaxDelay:          cfg.Recovery.MaxDelay,
		},
		Monitor: e.insights,
		Logger:  log,
		Metrics: e.metrics,
		Bus:     e.bus,
		Resolve: e.resolve,
	})

	if err = e.loadAgents(ctx, opts.Handlers); err != nil {
		return nil, err
	}
	if e.store != nil {
		if err = e.replayTasks(ctx); err != nil {
			return nil, err
		}
	}

	e.swarm = swarm.New(e.registry, swarm.Options{
		Logger:      log,
		Metrics:     e.metrics,
		Bus:         e.bus,
		MaxParallel: cfg.Swarm.MaxParallel,
	})
	e.workflows = workflow.New(e.swarm, workflow.Options{
		Logger:         log,
		Metrics:        e.metrics,
		Bus:            e.bus,
		MaxConcurrency: cfg.Workflow.MaxConcurrency,
		Retention:      cfg.Workflow.Retention,
		Release:        e.swarm.ForgetTask,
	})

	if e.store != nil {
		for _, topic := range []string{events.TopicTask, events.TopicCollaboration, events.TopicAgent} {
			e.track(e.bus.Listen(topic, e.persist))
		}
	}

	if cfg.NATS.Enabled {
		if err = e.startNATS(); err != nil {
			return nil, err
		}
	}

	if len(cfg.Schedules) > 0 {
		e.scheduler, err = schedule.New(cfg.Schedules, e.submitScheduled, schedule.Options{Logger: log})
		if err != nil {
			return nil, fmt.Errorf("creating scheduler: %w", err)
		}
	}

	log.Info("engine ready",
		zap.Int("agents", len(e.registry.All())),
		zap.Strings("task_types", e.registry.Types()),
		zap.Bool("persistence", e.store != nil),
		zap.Bool("nats", e.bridge != nil))
	return e, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := persistence.NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		return s, nil
	case "memory":
		s, err := persistence.NewMemoryStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		return s, nil
	case "", "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (e *Engine) startNATS() error {
	cfg := e.cfg.NATS
	var err error
	if cfg.Embedded {
		if e.natsServer, err = natsbus.NewServer(cfg); err != nil {
			return err
		}
		e.natsClient, err = natsbus.NewClient(e.natsServer)
	} else {
		e.natsClient, err = natsbus.NewClientFromURL(cfg.URL)
	}
	if err != nil {
		return err
	}

	e.bridge = natsbus.NewBridge(e.natsClient, cfg.SubjectPrefix, e.log.Named("nats"))
	e.bridge.Forward(e.bus)
	return e.bridge.ServeTasks(func(ctx context.Context, t task.Task) task.Response {
		id := t.EnsureID()
		resp, _ := e.Dispatch(ctx, t)
		// The reply is the only delivery of a remote task's result.
		e.ForgetTask(id)
		return resp
	})
}

func (e *Engine) resolve(agentID string) (recovery.Target, bool) {
	rt, ok := e.registry.Get(agentID)
	if !ok {
		return nil, false
	}
	return rt, true
}

func (e *Engine) onBreakerChange(agentID string, from, to breaker.State) {
	e.bus.Publish(events.TopicAgent, events.CircuitStateEvent{
		AgentID:   agentID,
		From:      from.String(),
		To:        to.String(),
		Timestamp: time.Now(),
	})
	e.recovery.HandleStateChange(agentID, from, to)
}

func (e *Engine) track(unsub func()) {
	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsub)
	e.mu.Unlock()
}

// NATSURL returns the client URL of the embedded NATS server, or "".
func (e *Engine) NATSURL() string {
	if e.natsServer == nil {
		return ""
	}
	return e.natsServer.ClientURL()
}

// Serve runs scheduled workflows until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	if e.scheduler != nil {
		e.scheduler.Run(ctx)
		return nil
	}
	<-ctx.Done()
	return nil
}

// Schedules returns the scheduled workflows, soonest first.
func (e *Engine) Schedules() []schedule.Entry {
	if e.scheduler == nil {
		return nil
	}
	return e.scheduler.Entries()
}

func (e *Engine) submitScheduled(ctx context.Context, entry schedule.Entry) (string, error) {
	path := entry.Workflow
	if !filepath.IsAbs(path) && e.cfg.Workflow.Dir != "" {
		path = filepath.Join(e.cfg.Workflow.Dir, path)
	}
	wf, err := workflow.LoadFile(path)
	if err != nil {
		return "", err
	}
	// Each tick is a fresh run of the same definition.
	wf.ID = ""
	return e.SubmitWorkflow(ctx, *wf)
}

// Close stops all components. Running tasks and workflows are cancelled.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.bridge != nil {
			e.bridge.Close()
		}
		if e.workflows != nil {
			e.workflows.Close()
		}
		if e.swarm != nil {
			e.swarm.Close()
		}
		if e.recovery != nil {
			e.recovery.Close()
		}
		e.registry.Close()

		e.mu.Lock()
		unsubs := e.unsubs
		e.unsubs = nil
		e.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		if e.insights != nil {
			e.insights.Detach()
		}
		e.bus.Close()

		if e.natsClient != nil {
			e.natsClient.Close()
		}
		if e.natsServer != nil {
			e.natsServer.Close()
		}
		if err := e.pm.KillAll(); err != nil {
			e.log.Warn("failed to stop provider processes", zap.Error(err))
		}
		if e.ownsStore && e.store != nil {
			if err := e.store.Close(); err != nil {
				e.log.Warn("failed to close store", zap.Error(err))
			}
		}
		_ = e.log.Sync()
	})
}

// ErrNoStore is returned by record lookups when persistence is disabled.
var ErrNoStore = errors.New("persistence is disabled")
