package cli

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/aristath/agentmesh/internal/natsbus"
	"github.com/aristath/agentmesh/internal/tui"
)

func newSubmitCmd(g *globals) *cobra.Command {
	var (
		f   taskFlags
		url string
	)
	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Send a task to a running agentmesh serve over NATS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := f.build(args[0])
			if err != nil {
				return err
			}
			if url == "" {
				url = g.cfg.NATS.URL
			}
			if url == "" {
				url = fmt.Sprintf("nats://127.0.0.1:%d", g.cfg.NATS.Port)
			}

			client, err := natsbus.NewClientFromURL(url)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := natsbus.SubmitTask(client, g.cfg.NATS.SubjectPrefix, t, f.timeout)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if f.asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			if !resp.Success {
				return fmt.Errorf("task %s failed: %s", t.ID, resp.Error)
			}
			_, err = fmt.Fprint(w, tui.TaskReport(t.ID, nil, &resp))
			return err
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&url, "url", "", "NATS server URL (default: from config, or "+nats.DefaultURL+")")
	return cmd
}
