package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/character-memory/internal/queue"
	"github.com/rcliao/character-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database and queue statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

type statsOutput struct {
	*store.Stats
	QueuedJobs int         `json:"queued_jobs"`
	DeadJobs   []queue.Job `json:"dead_jobs,omitempty"`
}

func runStats(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	stats, err := a.store.Stats(cmd.Context(), cfg.DBPath)
	if err != nil {
		exitErr("stats", err)
	}
	queued, err := a.queue.Len(cmd.Context())
	if err != nil {
		exitErr("queue length", err)
	}
	dead, err := a.queue.Dead(cmd.Context())
	if err != nil {
		exitErr("dead jobs", err)
	}

	printJSON(statsOutput{Stats: stats, QueuedJobs: queued, DeadJobs: dead})
}
