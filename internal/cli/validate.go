package cli

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/aristath/agentmesh/internal/config"
	"github.com/aristath/agentmesh/internal/workflow"
)

func newValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [workflow.yaml ...]",
		Short: "Check the configuration and workflow files without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if err := g.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			_, _ = fmt.Fprintf(w, "config ok: %d agents, %d schedules\n", len(g.cfg.Agents), len(g.cfg.Schedules))

			var errs []error
			for _, path := range args {
				if err := validateWorkflow(g, path); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				_, _ = fmt.Fprintf(w, "%s ok\n", path)
			}
			return errors.Join(errs...)
		},
	}
}

// validateWorkflow checks a workflow's shape and that some configured
// agent can take each of its task types.
func validateWorkflow(g *globals, path string) error {
	wf, err := workflow.LoadFile(path)
	if err != nil {
		return err
	}
	if _, err := wf.Validate(); err != nil {
		return err
	}

	var missing []string
	for _, typ := range wf.TaskTypes() {
		covered := slices.ContainsFunc(g.cfg.Agents, func(a config.AgentConfig) bool {
			return slices.Contains(a.Capabilities, typ)
		})
		if !covered {
			missing = append(missing, typ)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no agent can handle task types %v", missing)
	}
	return nil
}
