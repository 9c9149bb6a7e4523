package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/agentmesh/internal/orchestrator"
	"github.com/aristath/agentmesh/internal/tui"
)

func newGraphCmd(g *globals) *cobra.Command {
	var (
		taskType string
		limit    int
		dump     bool
	)
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show agent rankings and coordination bottlenecks",
		Long: "Builds the coordination graph from the configured agents and the stored task\n" +
			"history, then ranks agents for --task-type and lists the busiest nodes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			w := cmd.OutOrStdout()
			if dump {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(e.VisualizationData())
			}

			insights := e.Insights()
			var scores []orchestrator.AgentScore
			if taskType != "" {
				scores = insights.RankAgents(taskType)
			}
			_, err = fmt.Fprint(w, tui.InsightsReport(taskType, scores, insights.Bottlenecks(limit)))
			return err
		},
	}
	cmd.Flags().StringVarP(&taskType, "task-type", "t", "", "Rank agents for this task type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Number of bottlenecks to show")
	cmd.Flags().BoolVar(&dump, "json", false, "Dump every node and edge as JSON")
	return cmd
}
