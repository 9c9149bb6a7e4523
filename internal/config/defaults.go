package config

import (
	"github.com/spf13/viper"
)

// DefaultConfig returns the built-in configuration: breaker and recovery
// timings, one Anthropic API provider and one provider driving the claude CLI.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic("config: invalid defaults: " + err.Error())
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "60s")
	v.SetDefault("breaker.half_open_successes", 2)

	v.SetDefault("recovery.max_retries", 3)
	v.SetDefault("recovery.initial_delay", "1s")
	v.SetDefault("recovery.backoff_multiplier", 1.5)
	v.SetDefault("recovery.max_delay", "30s")

	v.SetDefault("guard.consecutive_failures", 5)
	v.SetDefault("guard.open_timeout", "30s")
	v.SetDefault("guard.half_open_requests", 3)

	v.SetDefault("swarm.max_parallel", 0)

	v.SetDefault("workflow.max_concurrency", 4)
	v.SetDefault("workflow.dir", "workflows")
	v.SetDefault("workflow.retention", "10m")

	v.SetDefault("providers", map[string]any{
		"anthropic": map[string]any{
			"kind":       "anthropic",
			"model":      "claude-sonnet-4-20250514",
			"max_tokens": 4096,
			"timeout":    "2m",
			"api_key":    "${ANTHROPIC_API_KEY}",
		},
		"claude-cli": map[string]any{
			"kind":    "command",
			"command": "claude",
			"args":    []string{"-p", "{prompt}", "--output-format", "json"},
			"timeout": "5m",
		},
	})

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", ".agentmesh/agentmesh.db")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.subject_prefix", "agentmesh")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
}
