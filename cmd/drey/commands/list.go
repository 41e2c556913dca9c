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

var listOutputFormat string

var listCmd = &cobra.Command{
	Use:   "list GROUP",
	Short: "List the documents in a group",
	Long: `List every document in a group as a table or JSONL stream.

Output Formats:
  default - Human-readable table with NAME, REV, and FIELDS
  jsonl   - Line-delimited wire-form JSON, one document per line

Examples:
  # List all models
  drey list models

  # Pipe documents to jq
  drey list models --output=jsonl | jq .cells`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listOutputFormat, "output", "o", "default", "Output format (default or jsonl)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	group := args[0]

	if listOutputFormat != "default" && listOutputFormat != "jsonl" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", listOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	docs, err := store.GetRange(context.Background(), stash.GroupPrefix(group))
	if err != nil {
		return printer.Error("failed to list documents", err.Error(), nil)
	}

	if listOutputFormat == "jsonl" {
		return feed.FormatJSONL(os.Stdout, docs)
	}
	feed.FormatTable(os.Stdout, docs, group)
	return nil
}
