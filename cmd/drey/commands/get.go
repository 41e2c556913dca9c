package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/feed"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/stash"
)

var getCmd = &cobra.Command{
	Use:   "get GROUP NAME",
	Short: "Show one document as pretty-printed JSON",
	Long: `Fetch a single document from the store and print its complete
wire form (including _id and _rev) as pretty-printed JSON.

Examples:
  # Show the nand2 model
  drey get models nand2`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	group, name := args[0], args[1]
	id := stash.DocID(group, name)

	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	docs, err := store.Fetch(context.Background(), []string{id})
	if err != nil {
		return printer.Error("failed to fetch document", err.Error(), nil)
	}
	if len(docs) == 0 || docs[0] == nil {
		return printer.Error(
			"document not found",
			fmt.Sprintf("No document '%s' in group '%s'", name, group),
			[]string{fmt.Sprintf("List the group to see what exists:\n  drey list %s", group)},
		)
	}

	return feed.FormatSingleJSON(os.Stdout, docs[0])
}
