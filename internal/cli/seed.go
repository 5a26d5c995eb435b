package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/character-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "seed <universe> [file]",
		Short: "Seed a universe's canonical entities from JSON",
		Long: "Seed entities every user of the universe starts from. Reads a JSON array of " +
			`{"name","entity_type","attributes"} objects from the file, or stdin when omitted.`,
		Args: cobra.RangeArgs(1, 2),
		Run:  runSeed,
	}

	RootCmd.AddCommand(cmd)
}

func runSeed(cmd *cobra.Command, args []string) {
	var (
		data []byte
		err  error
	)
	if len(args) == 2 {
		data, err = os.ReadFile(args[1])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		exitErr("read input", err)
	}

	var seeds []model.EntityUpdate
	if err := json.Unmarshal(data, &seeds); err != nil {
		exitErr("parse json", err)
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	n, err := a.engine.SeedEntities(cmd.Context(), args[0], seeds)
	if err != nil {
		exitErr("seed", err)
	}

	fmt.Printf(`{"ok":true,"seeded":%d}`+"\n", n)
}
