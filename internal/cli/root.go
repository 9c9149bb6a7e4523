// Package cli implements the agentmesh command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/agentmesh/internal/config"
	"github.com/aristath/agentmesh/internal/orchestrator"
)

// globals holds the persistent flags and the configuration they load.
type globals struct {
	globalPath  string
	projectPath string
	logLevel    string

	cfg *config.Config
}

// NewRootCmd builds the agentmesh command tree.
func NewRootCmd(version string) *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:          "agentmesh",
		Short:        "Coordinate departmental agents over tasks and workflows",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}

	globalDefault := ""
	if home, err := os.UserHomeDir(); err == nil {
		globalDefault = filepath.Join(home, ".agentmesh", "config.yaml")
	}
	cmd.PersistentFlags().StringVar(&g.globalPath, "global-config", globalDefault, "Global config file")
	cmd.PersistentFlags().StringVarP(&g.projectPath, "config", "c", filepath.Join(".agentmesh", "config.yaml"), "Project config file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newTaskCmd(g))
	cmd.AddCommand(newValidateCmd(g))
	cmd.AddCommand(newAgentsCmd(g))
	cmd.AddCommand(newGraphCmd(g))
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newSubmitCmd(g))
	cmd.AddCommand(newConfigCmd(g))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}

func (g *globals) load() error {
	cfg, err := config.Load(g.globalPath, g.projectPath)
	if err != nil {
		return err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	// Command output owns stdout.
	switch cfg.Log.Output {
	case "", "stdout":
		cfg.Log.Output = "stderr"
	case "both":
		cfg.Log.Output = "file"
	}
	g.cfg = cfg
	return nil
}

// engine validates the configuration and starts an engine from it.
func (g *globals) engine(ctx context.Context) (*orchestrator.Engine, error) {
	if err := g.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return orchestrator.New(ctx, g.cfg, orchestrator.Options{})
}
