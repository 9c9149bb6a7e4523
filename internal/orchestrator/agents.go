package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/agent"
	"github.com/aristath/agentmesh/internal/breaker"
	"github.com/aristath/agentmesh/internal/capability"
	"github.com/aristath/agentmesh/internal/config"
	"github.com/aristath/agentmesh/internal/persistence"
)

// loadAgents registers the configured agents, then any agent found only in
// the store. Stored agents that cannot be built are skipped with a warning.
func (e *Engine) loadAgents(ctx context.Context, handlers map[string]agent.Handler) error {
	for _, ac := range e.cfg.Agents {
		if err := e.addAgent(ctx, ac, handlers[ac.ID]); err != nil {
			return err
		}
	}
	if e.store == nil {
		return nil
	}

	stored, err := e.store.FindMany(ctx, persistence.Filter{Kind: persistence.KindAgent})
	if err != nil {
		return fmt.Errorf("loading stored agents: %w", err)
	}
	for _, rec := range stored {
		if _, ok := e.registry.Get(rec.ID); ok {
			continue
		}
		ac := agentFromRecord(rec)
		if err := e.addAgent(ctx, ac, handlers[ac.ID]); err != nil {
			e.log.Warn("skipping stored agent", zap.String("agent", rec.ID), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) addAgent(ctx context.Context, ac config.AgentConfig, h agent.Handler) error {
	if h == nil {
		var err error
		if h, err = e.promptHandler(ac); err != nil {
			return fmt.Errorf("agent %q: %w", ac.ID, err)
		}
	}

	spec := agent.Spec{
		ID:           ac.ID,
		Name:         ac.Name,
		DepartmentID: ac.Department,
		Capabilities: slices.Clone(ac.Capabilities),
	}
	rt := agent.NewRuntime(spec, h, agent.Options{
		Breaker: breaker.Settings{
			FailureThreshold:  e.cfg.Breaker.FailureThreshold,
			ResetTimeout:      e.cfg.Breaker.ResetTimeout,
			HalfOpenSuccesses: e.cfg.Breaker.HalfOpenSuccesses,
		},
		Logger:          e.log,
		Metrics:         e.metrics,
		OnBreakerChange: e.onBreakerChange,
	})
	if err := e.registry.Register(rt); err != nil {
		rt.Close()
		return err
	}
	if err := e.insights.RegisterAgent(spec); err != nil {
		e.log.Warn("failed to add agent to graph", zap.String("agent", ac.ID), zap.Error(err))
	}

	if e.store != nil {
		if _, err := e.store.Upsert(ctx, agentRecord(ac)); err != nil {
			return fmt.Errorf("storing agent %q: %w", ac.ID, err)
		}
		if ac.Department != "" {
			_, err := e.store.Upsert(ctx, persistence.Record{
				Kind:   persistence.KindDepartment,
				ID:     ac.Department,
				Fields: map[string]any{"name": ac.Department},
			})
			if err != nil {
				return fmt.Errorf("storing department %q: %w", ac.Department, err)
			}
		}
	}
	return nil
}

// promptHandler builds a handler backed by the agent's provider. Agents
// sharing a provider share one guarded invoker.
func (e *Engine) promptHandler(ac config.AgentConfig) (agent.Handler, error) {
	inv, ok := e.invokers[ac.Provider]
	if !ok {
		pc, found := e.cfg.Providers[ac.Provider]
		if !found {
			return nil, fmt.Errorf("unknown provider %q", ac.Provider)
		}
		inner, err := capability.New(capability.Config{
			Kind:      pc.Kind,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Timeout:   pc.Timeout,
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Command:   pc.Command,
			Args:      pc.Args,
			WorkDir:   pc.WorkDir,
		}, e.pm)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", ac.Provider, err)
		}
		inv = capability.NewGuard(ac.Provider, inner, e.guards, pc.Timeout)
		e.invokers[ac.Provider] = inv
	}
	return &agent.PromptHandler{
		Invoker:   inv,
		System:    ac.SystemPrompt,
		Model:     ac.Model,
		MaxTokens: ac.MaxTokens,
	}, nil
}

func agentRecord(ac config.AgentConfig) persistence.Record {
	return persistence.Record{
		Kind: persistence.KindAgent,
		ID:   ac.ID,
		Fields: map[string]any{
			"name":          ac.Name,
			"department":    ac.Department,
			"capabilities":  ac.Capabilities,
			"provider":      ac.Provider,
			"model":         ac.Model,
			"system_prompt": ac.SystemPrompt,
			"max_tokens":    ac.MaxTokens,
		},
	}
}

func agentFromRecord(rec persistence.Record) config.AgentConfig {
	str := func(k string) string {
		s, _ := rec.Fields[k].(string)
		return s
	}
	ac := config.AgentConfig{
		ID:           rec.ID,
		Name:         str("name"),
		Department:   str("department"),
		Provider:     str("provider"),
		Model:        str("model"),
		SystemPrompt: str("system_prompt"),
	}
	if n, ok := rec.Fields["max_tokens"].(float64); ok {
		ac.MaxTokens = int(n)
	}
	if caps, ok := rec.Fields["capabilities"].([]any); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				ac.Capabilities = append(ac.Capabilities, s)
			}
		}
	}
	return ac
}
