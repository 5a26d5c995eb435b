package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Apply queued background work and exit",
		Long: "Recover interrupted work, then run every ready extraction, summary and session " +
			"finalization until the queue has nothing ready.",
		Run: runWork,
	}

	RootCmd.AddCommand(cmd)
}

func runWork(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	report, err := a.engine.Recover(cmd.Context())
	if err != nil {
		exitErr("recover", err)
	}
	ran := drain(cmd, a)

	fmt.Printf(`{"ok":true,"released":%d,"requeued":%d,"ran":%d}`+"\n",
		report.Released, report.Exchanges+report.Closing+report.Summaries, ran)
}

// drain runs ready jobs until none is ready. Retries waiting out a backoff
// stay queued for the next run.
func drain(cmd *cobra.Command, a *app) int {
	n, err := a.engine.Drain(cmd.Context())
	if err != nil {
		exitErr("drain", err)
	}
	return n
}
