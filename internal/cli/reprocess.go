package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Retry exchanges whose extraction failed",
		Long:  "Requeue quarantined extractions with a fresh attempt budget.",
		Run:   runReprocess,
	}

	cmd.Flags().IntP("limit", "l", 100, "Max exchanges to requeue")
	cmd.Flags().Bool("process", false, "Apply queued work before exiting")

	RootCmd.AddCommand(cmd)
}

func runReprocess(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	process, _ := cmd.Flags().GetBool("process")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	n, err := a.engine.Reprocess(cmd.Context(), limit)
	if err != nil {
		exitErr("reprocess", err)
	}
	ran := 0
	if process {
		ran = drain(cmd, a)
	}

	fmt.Printf(`{"ok":true,"requeued":%d,"ran":%d}`+"\n", n, ran)
}
