package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/character-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "settings <user>",
		Short: "Show or change a user's settings",
		Args:  cobra.ExactArgs(1),
		Run:   runSettings,
	}

	cmd.Flags().Bool("cross-character", false, "Share memories across characters of the same universe")

	RootCmd.AddCommand(cmd)
}

func runSettings(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	if cmd.Flags().Changed("cross-character") {
		cross, _ := cmd.Flags().GetBool("cross-character")
		if err := a.engine.PutSettings(cmd.Context(), model.UserSettings{UserID: args[0], CrossCharacter: cross}); err != nil {
			exitErr("settings", err)
		}
	}

	st, err := a.store.GetSettings(cmd.Context(), args[0])
	if err != nil {
		exitErr("settings", err)
	}
	printJSON(st)
}
