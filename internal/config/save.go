package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Durations are written in their string form ("1m30s") so saved files read
// back through viper and stay legible.

func (b BreakerConfig) MarshalYAML() (any, error) {
	return struct {
		FailureThreshold  int    `yaml:"failure_threshold"`
		ResetTimeout      string `yaml:"reset_timeout"`
		HalfOpenSuccesses int    `yaml:"half_open_successes"`
	}{b.FailureThreshold, b.ResetTimeout.String(), b.HalfOpenSuccesses}, nil
}

func (r RecoveryConfig) MarshalYAML() (any, error) {
	return struct {
		MaxRetries        int     `yaml:"max_retries"`
		InitialDelay      string  `yaml:"initial_delay"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		MaxDelay          string  `yaml:"max_delay"`
	}{r.MaxRetries, r.InitialDelay.String(), r.BackoffMultiplier, r.MaxDelay.String()}, nil
}

func (g GuardConfig) MarshalYAML() (any, error) {
	return struct {
		ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
		OpenTimeout         string `yaml:"open_timeout"`
		HalfOpenRequests    uint32 `yaml:"half_open_requests"`
	}{g.ConsecutiveFailures, g.OpenTimeout.String(), g.HalfOpenRequests}, nil
}

func (w WorkflowConfig) MarshalYAML() (any, error) {
	return struct {
		MaxConcurrency int    `yaml:"max_concurrency"`
		Dir            string `yaml:"dir"`
		Retention      string `yaml:"retention"`
	}{w.MaxConcurrency, w.Dir, w.Retention.String()}, nil
}

func (p ProviderConfig) MarshalYAML() (any, error) {
	out := struct {
		Kind      string   `yaml:"kind"`
		Model     string   `yaml:"model,omitempty"`
		MaxTokens int      `yaml:"max_tokens,omitempty"`
		Timeout   string   `yaml:"timeout,omitempty"`
		APIKey    string   `yaml:"api_key,omitempty"`
		BaseURL   string   `yaml:"base_url,omitempty"`
		Command   string   `yaml:"command,omitempty"`
		Args      []string `yaml:"args,omitempty"`
		WorkDir   string   `yaml:"work_dir,omitempty"`
	}{
		Kind:      p.Kind,
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
		APIKey:    p.APIKey,
		BaseURL:   p.BaseURL,
		Command:   p.Command,
		Args:      p.Args,
		WorkDir:   p.WorkDir,
	}
	if p.Timeout > 0 {
		out.Timeout = p.Timeout.String()
	}
	return out, nil
}
