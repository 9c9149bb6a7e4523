package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/agentmesh/internal/tui"
)

func newAgentsCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents with their health and history",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			var rows []tui.AgentRow
			for _, rt := range e.Agents() {
				rows = append(rows, tui.AgentRowOf(cmd.Context(), rt))
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			_, err = fmt.Fprint(w, tui.AgentTable(rows))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print agents as JSON")
	return cmd
}
