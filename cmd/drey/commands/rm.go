package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/stash"
)

var rmCmd = &cobra.Command{
	Use:   "rm GROUP NAME",
	Short: "Delete a document",
	Long: `Delete one document from the store. The deletion is applied
locally first and written back with conflict retry, the same path every
other edit takes.

Examples:
  # Remove the nand2 model
  drey rm models nand2`,
	Args: cobra.ExactArgs(2),
	RunE: runRm,
}

func init() {
	rootCmd.AddCommand(rmCmd)
}

func runRm(cmd *cobra.Command, args []string) error {
	group, name := args[0], args[1]
	id := stash.DocID(group, name)

	store, cfg, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	session := stash.NewSession(store, sessionOptions(cfg)...)
	defer session.Close()

	ctx := context.Background()
	synced, err := session.Open(ctx, group)
	if err != nil {
		return printer.Error("failed to open group", err.Error(), nil)
	}

	if synced.Get(id) == nil {
		return printer.Error(
			"document not found",
			fmt.Sprintf("No document '%s' in group '%s'", name, group),
			[]string{fmt.Sprintf("List the group to see what exists:\n  drey list %s", group)},
		)
	}

	// Absence in the returned set is the deletion signal.
	err = synced.Mutate(ctx, stash.Key(id), func(docs stash.Docs) (stash.Docs, error) {
		delete(docs, id)
		return docs, nil
	})
	if err != nil {
		return printer.ErrorWithContext(
			"failed to delete document",
			err.Error(),
			map[string]string{"Document": id},
			nil,
		)
	}

	printer.Success("%s deleted\n", name)
	return nil
}
