package cli

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
)

// QueueStats summarises the audit queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

func newQueueCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the audit queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print audit queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inspector, queue, release, err := deps.Inspector(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			stats := QueueStats{Queue: queue}
			info, err := inspector.GetQueueInfo(queue)
			switch {
			case errors.Is(err, asynq.ErrQueueNotFound):
			case err != nil:
				return fmt.Errorf("inspect queue: %w", err)
			default:
				stats = QueueStats{
					Queue:     info.Queue,
					Pending:   info.Pending,
					Active:    info.Active,
					Scheduled: info.Scheduled,
					Retry:     info.Retry,
					Archived:  info.Archived,
				}
			}
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			return err
		},
	})
	return cmd
}
