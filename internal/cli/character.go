package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/character-memory/internal/model"
)

func init() {
	character := &cobra.Command{
		Use:   "character",
		Short: "Manage characters",
	}

	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or update a character",
		Args:  cobra.ExactArgs(1),
		Run:   runCharacterSet,
	}
	set.Flags().StringP("persona", "p", "", "Persona text")
	set.Flags().String("persona-file", "", "Read the persona from a file")
	set.Flags().StringP("universe", "U", "", "Universe id shared with related characters")

	list := &cobra.Command{
		Use:   "list",
		Short: "List characters",
		Run:   runCharacterList,
	}

	character.AddCommand(set, list)
	RootCmd.AddCommand(character)
}

func runCharacterSet(cmd *cobra.Command, args []string) {
	persona, _ := cmd.Flags().GetString("persona")
	personaFile, _ := cmd.Flags().GetString("persona-file")
	universe, _ := cmd.Flags().GetString("universe")

	if personaFile != "" {
		b, err := os.ReadFile(personaFile)
		if err != nil {
			exitErr("read persona", err)
		}
		persona = string(b)
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	c, err := a.engine.PutCharacter(cmd.Context(), model.Character{
		Name:       args[0],
		UniverseID: universe,
		Persona:    persona,
	})
	if err != nil {
		exitErr("character set", err)
	}
	printJSON(c)
}

func runCharacterList(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	chars, err := s.ListCharacters(cmd.Context())
	if err != nil {
		exitErr("character list", err)
	}

	if textOutput() {
		for _, c := range chars {
			if c.UniverseID != "" {
				fmt.Printf("%s\t%s\n", c.Name, c.UniverseID)
			} else {
				fmt.Println(c.Name)
			}
		}
		return
	}
	printJSON(chars)
}
