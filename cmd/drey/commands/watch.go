package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/feed"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/stash"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch GROUP",
	Short: "Stream live changes for a group",
	Long: `Follow the store's change feed and print every event touching the
given group as it happens. Runs until interrupted (Ctrl+C).

Output Formats:
  default - Human-readable lines with name, revision, and fields
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch model edits as they land
  drey watch models

  # Export events as JSON
  drey watch models --output=json > events.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	group := args[0]

	if watchOutputFormat != "default" && watchOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	store, _, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes, err := store.Changes(ctx, stash.SinceNow)
	if err != nil {
		return printer.Error("failed to open change feed", err.Error(), nil)
	}
	defer changes.Close()

	if watchOutputFormat == "default" {
		printer.Info("Watching group '%s' (Ctrl+C to stop)...\n", group)
	}

	prefix := stash.GroupPrefix(group)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-changes.Errors():
			if !ok {
				return nil
			}
			printer.Warning("change feed error: %v\n", err)
		case ev, ok := <-changes.Events():
			if !ok {
				return nil
			}
			if !strings.HasPrefix(ev.ID, prefix) {
				continue
			}
			if err := printEvent(group, ev); err != nil {
				return err
			}
		}
	}
}

func printEvent(group string, ev stash.ChangeEvent) error {
	if watchOutputFormat == "json" {
		line, err := feed.FormatEventJSON(ev)
		if err != nil {
			return printer.Error("failed to encode event", err.Error(), nil)
		}
		printer.Println(line)
		return nil
	}
	printer.Event("%s\n", feed.FormatEvent(group, ev))
	return nil
}
