package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/character-memory/internal/engine"
)

func init() {
	record := &cobra.Command{
		Use:   "record <user-message> <assistant-message>",
		Short: "Record one exchange",
		Long: "Append a user message and the character's reply to the open session, starting one if " +
			"needed. Extraction and summaries are queued; run 'work' or 'serve' to apply them.",
		Args: cobra.ExactArgs(2),
		Run:  runRecord,
	}
	record.Flags().StringP("user", "u", "", "User id")
	record.Flags().String("character", "", "Character name")
	record.Flags().StringP("session", "s", "", "Session id (optional)")
	record.Flags().Bool("process", false, "Apply queued work before exiting")

	closeCmd := &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session",
		Long:  "Close an open session. Its final summary becomes an episode once queued work runs.",
		Args:  cobra.ExactArgs(1),
		Run:   runClose,
	}
	closeCmd.Flags().Bool("process", false, "Apply queued work before exiting")

	RootCmd.AddCommand(record, closeCmd)
}

func runRecord(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	character, _ := cmd.Flags().GetString("character")
	sessionID, _ := cmd.Flags().GetString("session")
	process, _ := cmd.Flags().GetBool("process")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	rec, err := a.engine.RecordExchange(cmd.Context(), engine.ExchangeInput{
		SessionID:        sessionID,
		UserID:           user,
		CharacterName:    character,
		UserMessage:      args[0],
		AssistantMessage: args[1],
	})
	if err != nil {
		exitErr("record", err)
	}
	if process {
		drain(cmd, a)
	}

	if textOutput() {
		fmt.Printf("recorded %s in session %s\n", rec.ExchangeID, rec.SessionID)
		return
	}
	printJSON(rec)
}

func runClose(cmd *cobra.Command, args []string) {
	process, _ := cmd.Flags().GetBool("process")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	if err := a.engine.CloseSession(cmd.Context(), args[0]); err != nil {
		exitErr("close", err)
	}
	if process {
		drain(cmd, a)
	}
	fmt.Printf(`{"ok":true,"session_id":%q}`+"\n", args[0])
}
