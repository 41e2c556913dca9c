package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/stash"
)

var setCmd = &cobra.Command{
	Use:   "set GROUP NAME FIELD=VALUE [FIELD=VALUE...]",
	Short: "Create or update a document's fields",
	Long: `Apply field edits to one document. The document is created if it
does not exist. Edits are applied optimistically and written back with
conflict retry, so concurrent editors of different fields both win.

Values are parsed as JSON where possible (numbers, booleans, null,
objects, arrays) and treated as strings otherwise. An empty value
removes the field.

Examples:
  # Set scalar fields
  drey set models nand2 cells=4 tech=sky130

  # Set a structured field
  drey set models nand2 'ports={"a":1,"b":2,"y":3}'

  # Remove a field
  drey set models nand2 deprecated=`,
	Args: cobra.MinimumNArgs(3),
	RunE: runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	group, name := args[0], args[1]
	id := stash.DocID(group, name)

	edits, removals, err := parseFieldArgs(args[2:])
	if err != nil {
		return printer.Error(
			"invalid field argument",
			err.Error(),
			[]string{"Fields are given as FIELD=VALUE, e.g. cells=4"},
		)
	}

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

	err = synced.Mutate(ctx, stash.Key(id), func(docs stash.Docs) (stash.Docs, error) {
		target := docs[id]
		if target == nil {
			target = &stash.Document{ID: id, Fields: make(map[string]any)}
		}
		if target.Fields == nil {
			target.Fields = make(map[string]any)
		}
		for field, value := range edits {
			target.Fields[field] = value
		}
		for _, field := range removals {
			delete(target.Fields, field)
		}
		docs[id] = target
		return docs, nil
	})
	if err != nil {
		return printer.ErrorWithContext(
			"failed to write document",
			err.Error(),
			map[string]string{"Document": id},
			nil,
		)
	}

	rev := "-"
	if updated := synced.Get(id); updated != nil {
		rev = updated.Rev
	}
	printer.Success("%s updated (rev %s)\n", name, rev)
	return nil
}

// parseFieldArgs splits FIELD=VALUE arguments into edits and removals.
// Values are decoded as JSON when they parse; everything else is a string.
// A bare "FIELD=" marks the field for removal.
func parseFieldArgs(args []string) (map[string]any, []string, error) {
	edits := make(map[string]any)
	var removals []string

	for _, arg := range args {
		field, raw, found := strings.Cut(arg, "=")
		if !found || field == "" {
			return nil, nil, fmt.Errorf("'%s' is not of the form FIELD=VALUE", arg)
		}
		if raw == "" {
			removals = append(removals, field)
			continue
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		edits[field] = value
	}

	return edits, removals, nil
}
