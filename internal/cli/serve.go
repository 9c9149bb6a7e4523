package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd(g *globals) *cobra.Command {
	var embedded bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled workflows and accept tasks over NATS until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("nats") {
				g.cfg.NATS.Enabled = embedded || g.cfg.NATS.URL != ""
				g.cfg.NATS.Embedded = embedded
			}

			e, err := g.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			w := cmd.OutOrStdout()
			if url := e.NATSURL(); url != "" {
				_, _ = fmt.Fprintf(w, "nats listening on %s (subjects %s.>)\n", url, g.cfg.NATS.SubjectPrefix)
			}
			for _, s := range e.Schedules() {
				_, _ = fmt.Fprintf(w, "schedule %s: %s next at %s\n", s.Name, s.Workflow, s.Next.Format("2006-01-02 15:04:05"))
			}
			return e.Serve(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&embedded, "nats", false, "Start the embedded NATS server")
	return cmd
}
