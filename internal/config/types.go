package config

import (
	"time"

	"github.com/aristath/agentmesh/internal/logger"
)

// BreakerConfig tunes every agent's circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	ResetTimeout      time.Duration `mapstructure:"reset_timeout"`
	HalfOpenSuccesses int           `mapstructure:"half_open_successes"`
}

// RecoveryConfig is the agent restart schedule.
type RecoveryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

// GuardConfig tunes the breakers shared by all agents of one provider.
type GuardConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

// SwarmConfig caps fan-out. Zero means every capable agent at once.
type SwarmConfig struct {
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`
}

// WorkflowConfig controls workflow runs.
type WorkflowConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	Dir            string        `mapstructure:"dir" yaml:"dir"`             // Relative workflow file paths resolve here
	Retention      time.Duration `mapstructure:"retention" yaml:"retention"` // How long finished runs stay queryable
}

// ProviderConfig defines a completion service. Multiple agents can share one.
// Kind is "anthropic" or "command". Values of the form ${VAR} are expanded
// from the environment.
type ProviderConfig struct {
	Kind      string        `mapstructure:"kind"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Command   string        `mapstructure:"command"`
	Args      []string      `mapstructure:"args"`
	WorkDir   string        `mapstructure:"work_dir"`
}

// AgentConfig declares one agent.
type AgentConfig struct {
	ID           string   `mapstructure:"id" yaml:"id"`
	Name         string   `mapstructure:"name" yaml:"name,omitempty"`
	Department   string   `mapstructure:"department" yaml:"department,omitempty"`
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
	Provider     string   `mapstructure:"provider" yaml:"provider"` // Key into Providers
	Model        string   `mapstructure:"model" yaml:"model,omitempty"`
	SystemPrompt string   `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	MaxTokens    int      `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
}

// StoreConfig selects persistence. Driver is "sqlite", "memory" or "none".
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path,omitempty"`
}

// NATSConfig controls the event bridge. With Embedded set an in-process
// server is started on Port; otherwise the bridge connects to URL.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Embedded      bool   `mapstructure:"embedded" yaml:"embedded"`
	URL           string `mapstructure:"url" yaml:"url,omitempty"`
	Port          int    `mapstructure:"port" yaml:"port"`
	StoreDir      string `mapstructure:"store_dir" yaml:"store_dir,omitempty"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// MetricsConfig toggles in-process metric collection.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ScheduleConfig submits a workflow file whenever Cron is due.
type ScheduleConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Cron     string `mapstructure:"cron" yaml:"cron"`
	Workflow string `mapstructure:"workflow" yaml:"workflow"`
}

// Config is the top-level configuration.
type Config struct {
	Breaker   BreakerConfig             `mapstructure:"breaker" yaml:"breaker"`
	Recovery  RecoveryConfig            `mapstructure:"recovery" yaml:"recovery"`
	Guard     GuardConfig               `mapstructure:"guard" yaml:"guard"`
	Swarm     SwarmConfig               `mapstructure:"swarm" yaml:"swarm"`
	Workflow  WorkflowConfig            `mapstructure:"workflow" yaml:"workflow"`
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Agents    []AgentConfig             `mapstructure:"agents" yaml:"agents"`
	Store     StoreConfig               `mapstructure:"store" yaml:"store"`
	NATS      NATSConfig                `mapstructure:"nats" yaml:"nats"`
	Metrics   MetricsConfig             `mapstructure:"metrics" yaml:"metrics"`
	Log       logger.Config             `mapstructure:"log" yaml:"log"`
	Schedules []ScheduleConfig          `mapstructure:"schedules" yaml:"schedules,omitempty"`
}
