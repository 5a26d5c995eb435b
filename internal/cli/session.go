package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	session := &cobra.Command{
		Use:   "session",
		Short: "Inspect sessions",
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its messages",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionShow,
	}

	summary := &cobra.Command{
		Use:   "summary <user> <character>",
		Short: "Summarize a user's conversations with a character",
		Args:  cobra.ExactArgs(2),
		Run:   runSessionSummary,
	}

	session.AddCommand(show, summary)
	RootCmd.AddCommand(session)
}

func runSessionShow(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	s, err := a.engine.Session(cmd.Context(), args[0])
	if err != nil {
		exitErr("session", err)
	}

	if textOutput() {
		fmt.Printf("%s  %s/%s  %s  %d messages\n", s.ID, s.UserID, s.CharacterName, s.State, s.MessageCount)
		if s.WorkingMemory != "" {
			fmt.Printf("working memory: %s\n", s.WorkingMemory)
		}
		for _, m := range s.Messages {
			fmt.Printf("[%d] %s: %s\n", m.Seq, m.Role, m.Content)
		}
		return
	}
	printJSON(s)
}

func runSessionSummary(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	sum, err := a.engine.Summary(cmd.Context(), args[0], args[1])
	if err != nil {
		exitErr("summary", err)
	}
	printJSON(sum)
}
