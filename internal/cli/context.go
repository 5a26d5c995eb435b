package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/character-memory/internal/assembler"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context <user> <character> [message]",
		Short: "Assemble the context bundle for a turn",
		Long:  "Build the token-budgeted context a character needs to answer the user's next message.",
		Args:  cobra.MinimumNArgs(2),
		Run:   runContext,
	}

	cmd.Flags().IntP("budget", "b", 2000, "Max tokens in the bundle")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	budget, _ := cmd.Flags().GetInt("budget")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	bundle, err := a.engine.Assemble(cmd.Context(), assembler.Request{
		UserID:        args[0],
		CharacterName: args[1],
		Message:       strings.Join(args[2:], " "),
		TokenBudget:   budget,
	})
	if err != nil {
		exitErr("context", err)
	}

	if textOutput() {
		for _, s := range bundle.Sections {
			fmt.Printf("## %s (%d tokens)\n%s\n\n", s.Label, s.TokenCount, s.Text)
		}
		return
	}
	printJSON(bundle)
}
