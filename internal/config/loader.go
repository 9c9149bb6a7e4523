package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTMESH_LOG_LEVEL.
const EnvPrefix = "AGENTMESH"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed YAML
// returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := mergeConfigFile(v, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.expandEnv()
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.agentmesh/config.yaml
// Project: .agentmesh/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".agentmesh", "config.yaml")
	projectPath := filepath.Join(".agentmesh", "config.yaml")

	return Load(globalPath, projectPath)
}

// mergeConfigFile merges a YAML file into v. Nested maps merge key by key;
// lists such as agents replace the previous value.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// expandEnv resolves ${VAR} references in provider settings.
func (c *Config) expandEnv() {
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		p.Command = os.ExpandEnv(p.Command)
		p.WorkDir = os.ExpandEnv(p.WorkDir)
		c.Providers[name] = p
	}
}

// Validate checks cross references between sections.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("agents[%d]: missing id", i))
			continue
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("agent %q: duplicate id", a.ID))
		}
		seen[a.ID] = true
		if len(a.Capabilities) == 0 {
			errs = append(errs, fmt.Errorf("agent %q: no capabilities", a.ID))
		}
		if _, ok := c.Providers[a.Provider]; !ok {
			errs = append(errs, fmt.Errorf("agent %q: unknown provider %q", a.ID, a.Provider))
		}
	}
	for name, p := range c.Providers {
		switch p.Kind {
		case "anthropic":
		case "command":
			if p.Command == "" {
				errs = append(errs, fmt.Errorf("provider %q: command is required", name))
			}
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown kind %q", name, p.Kind))
		}
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store: sqlite driver needs a path"))
		}
	case "memory", "none", "":
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || s.Workflow == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: cron and workflow are required", i))
		}
	}
	return errors.Join(errs...)
}

// Agent returns the agent with the given ID.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}
