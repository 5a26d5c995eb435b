package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/store"
)

func init() {
	memories := &cobra.Command{
		Use:   "memories",
		Short: "Inspect, export or purge a user's memories",
	}

	list := &cobra.Command{
		Use:   "list <user>",
		Short: "List memories by importance",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoriesList,
	}
	list.Flags().String("character", "", "Filter by character")
	list.Flags().String("kind", "", "Filter by kind: fact, preference, emotion or event")
	list.Flags().IntP("limit", "l", 20, "Max results")

	export := &cobra.Command{
		Use:   "export <user>",
		Short: "Export everything stored about a user as JSON",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoriesExport,
	}
	export.Flags().String("character", "", "Only this character")

	purge := &cobra.Command{
		Use:   "purge <user>",
		Short: "Delete a user's memories",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoriesPurge,
	}
	purge.Flags().String("character", "", "Only this character")
	purge.Flags().Bool("yes", false, "Confirm the deletion")

	memories.AddCommand(list, export, purge)
	RootCmd.AddCommand(memories)
}

func runMemoriesList(cmd *cobra.Command, args []string) {
	character, _ := cmd.Flags().GetString("character")
	kindStr, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")

	q := store.MemoryQuery{UserID: args[0], CharacterName: character, Limit: limit}
	if kindStr != "" {
		kind, err := model.ParseKind(kindStr)
		if err != nil {
			exitErr("kind", err)
		}
		q.Kind = kind
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	mems, err := s.ListMemories(cmd.Context(), q)
	if err != nil {
		exitErr("list", err)
	}

	if textOutput() {
		for _, m := range mems {
			fmt.Printf("%.2f\t%s\t%s\t%s\n", m.Importance, m.CharacterName, m.Kind, m.Content)
		}
		return
	}
	printJSON(mems)
}

func runMemoriesExport(cmd *cobra.Command, args []string) {
	character, _ := cmd.Flags().GetString("character")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	exp, err := s.ExportUser(cmd.Context(), args[0], character)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(exp)
}

func runMemoriesPurge(cmd *cobra.Command, args []string) {
	character, _ := cmd.Flags().GetString("character")
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		exitErr("purge", fmt.Errorf("refusing to delete memories of %s without --yes", args[0]))
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	n, err := a.engine.PurgeMemories(cmd.Context(), args[0], character)
	if err != nil {
		exitErr("purge", err)
	}

	fmt.Printf(`{"ok":true,"purged":%d}`+"\n", n)
}
