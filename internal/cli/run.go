package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/task"
	"github.com/aristath/agentmesh/internal/tui"
	"github.com/aristath/agentmesh/internal/workflow"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		asJSON bool
		quiet  bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := wf.Validate(); err != nil {
				return err
			}

			e, err := g.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.ValidateTaskTypes(wf.TaskTypes()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !quiet && !asJSON {
				progress := tui.NewProgress(wf.Name, len(wf.Steps))
				// Listeners run on one goroutine, so progress needs no lock.
				defer e.OnWorkflowProgress(func(ev events.WorkflowProgressEvent) {
					progress.Apply(ev)
					_, _ = fmt.Fprint(cmd.ErrOrStderr(), progress.View())
				})()
			}

			res, err := e.RunWorkflow(cmd.Context(), *wf)
			if res != nil {
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(res); encErr != nil {
						return encErr
					}
				} else {
					_, _ = fmt.Fprint(out, tui.WorkflowReport(res))
				}
			}
			if errors.Is(err, task.ErrWorkflowStalled) {
				return fmt.Errorf("workflow did not finish: %w", err)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")
	return cmd
}
