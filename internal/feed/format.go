// Package feed renders documents and change events for CLI output.
package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dyluth/drey/pkg/stash"
)

// FormatTable writes documents as a formatted table to the provided writer.
// The table includes columns: NAME, REV, and FIELDS (truncated).
// Returns the number of documents formatted.
func FormatTable(w io.Writer, docs []*stash.Document, group string) int {
	if len(docs) == 0 {
		fmt.Fprintf(w, "No documents found in group '%s'\n", group)
		return 0
	}

	sorted := make([]*stash.Document, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	fmt.Fprintf(w, "Documents in group '%s':\n\n", group)

	fmt.Fprintf(w, "%-24s %-14s %s\n", "NAME", "REV", "FIELDS")
	fmt.Fprintf(w, "%-24s %-14s %s\n",
		"------------------------", "--------------", "----------------------------------------")

	for _, d := range sorted {
		fmt.Fprintf(w, "%-24s %-14s %s\n",
			formatName(group, d.ID),
			formatRev(d.Rev),
			formatFields(d.Fields),
		)
	}

	countMsg := "document"
	if len(sorted) != 1 {
		countMsg = "documents"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(sorted), countMsg)

	return len(sorted)
}

// FormatJSONL writes documents as line-delimited JSON (JSONL) to the provided
// writer, in wire form (_id and _rev included). Each document is a single JSON
// object on its own line, ideal for processing with tools like jq.
func FormatJSONL(w io.Writer, docs []*stash.Document) error {
	sorted := make([]*stash.Document, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, d := range sorted {
		data, err := stash.MarshalWire(d)
		if err != nil {
			return fmt.Errorf("failed to marshal document to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", string(data)); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}

	return nil
}

// FormatSingleJSON writes one document as pretty-printed wire-form JSON.
// Used by get to display complete document details.
func FormatSingleJSON(w io.Writer, doc *stash.Document) error {
	data, err := json.MarshalIndent(stash.ToWire(doc), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)

	return nil
}

// FormatEvent renders a single change-feed event as one line.
// Deletions render as "name (deleted)"; updates show the field summary.
func FormatEvent(group string, ev stash.ChangeEvent) string {
	name := formatName(group, ev.ID)
	if ev.Deleted {
		return fmt.Sprintf("%s (deleted)", name)
	}
	var fields map[string]any
	if ev.Doc != nil {
		fields = ev.Doc.Fields
	}
	return fmt.Sprintf("%s %s %s", name, formatRev(ev.Rev), formatFields(fields))
}

// FormatEventJSON renders a change-feed event as a compact JSON object.
func FormatEventJSON(ev stash.ChangeEvent) (string, error) {
	out := map[string]any{
		"id":      ev.ID,
		"rev":     ev.Rev,
		"deleted": ev.Deleted,
	}
	if ev.Seq != "" {
		out["seq"] = ev.Seq
	}
	if ev.Doc != nil && !ev.Deleted {
		out["doc"] = stash.ToWire(ev.Doc)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	return string(data), nil
}

// formatName strips the group prefix for compact display, truncating long names.
func formatName(group, id string) string {
	name := stash.LocalName(group, id)
	if len(name) > 24 {
		return name[:21] + "..."
	}
	return name
}

// formatRev truncates a revision stamp for table display.
// Empty revisions (local-only documents) return "-".
func formatRev(rev string) string {
	if rev == "" {
		return "-"
	}
	if len(rev) > 14 {
		return rev[:11] + "..."
	}
	return rev
}

// formatFields summarises document fields as "key=value" pairs, sorted by key,
// truncated to 40 characters for table display. Empty documents return "-".
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "-"
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(fields[k])))
	}
	summary := strings.Join(parts, " ")

	if len(summary) > 40 {
		return summary[:37] + "..."
	}
	return summary
}

// formatValue renders a field value compactly. Nested maps and slices show
// only their size so a single wide value cannot swamp the row.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case map[string]any:
		return fmt.Sprintf("{%d}", len(val))
	case []any:
		return fmt.Sprintf("[%d]", len(val))
	default:
		return fmt.Sprintf("%v", val)
	}
}
