// Package stash provides a synchronized, partitioned document cache over
// a revision-stamped remote document store. Each cache holds one group of
// documents (an ID-prefix partition), applies local edits optimistically
// and folds a live stream of remote changes into the same in-memory view.
package stash

import (
	"fmt"
	"reflect"
	"strings"
)

// GroupSeparator joins a group prefix to a document's local name.
// Document IDs follow the pattern {group}{separator}{local-name},
// e.g. "models:npn" belongs to group "models".
const GroupSeparator = ":"

// HighSentinel is the highest Unicode codepoint usable in a key range scan.
// A prefix scan covers [prefix, prefix+HighSentinel), the same range
// convention CouchDB uses for _all_docs startkey/endkey queries.
const HighSentinel = "￰"

// Document is a single revision-stamped unit of stored data.
// ID and Rev are managed by the store; Fields carries the application
// payload. A Document value is treated as immutable once it enters a
// cache - mutation always goes through Clone.
type Document struct {
	ID     string         `json:"id"`
	Rev    string         `json:"rev,omitempty"`
	Fields map[string]any `json:"fields"`
}

// Clone returns a deep copy of the document. Nested maps and slices in
// Fields are copied recursively; scalar values are shared.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	return &Document{
		ID:     d.ID,
		Rev:    d.Rev,
		Fields: cloneFields(d.Fields),
	}
}

// Equal reports whether two documents carry the same ID and field values.
// Revisions are intentionally excluded: the conflict resolver uses Equal
// to detect no-op transforms, and a transform cannot change a revision.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == nil && other == nil
	}
	return d.ID == other.ID && reflect.DeepEqual(d.Fields, other.Fields)
}

// Validate checks that the document is well formed for its group scheme.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("document ID cannot be empty")
	}
	if !strings.Contains(d.ID, GroupSeparator) {
		return fmt.Errorf("document ID %q has no group prefix", d.ID)
	}
	return nil
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneFields(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Docs is the state of one cache: a mapping from document ID to document.
// A deleted document is represented by key absence, never by a nil entry.
type Docs map[string]*Document

// Clone returns a copy of the mapping. Documents themselves are shared;
// they are immutable by convention.
func (d Docs) Clone() Docs {
	out := make(Docs, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// GroupPrefix returns the full ID prefix for a group, including the
// separator. GroupPrefix("models") == "models:".
func GroupPrefix(group string) string {
	return group + GroupSeparator
}

// LocalName returns the portion of an ID after its group prefix, or the
// whole ID if it does not belong to the group.
func LocalName(group, id string) string {
	return strings.TrimPrefix(id, GroupPrefix(group))
}

// DocID builds a document ID from a group and a local name.
func DocID(group, name string) string {
	return GroupPrefix(group) + name
}

// Selector names the documents a mutation is allowed to touch.
// Construct one with Key, Keys or Into.
type Selector struct {
	ids []string

	// bounded selectors come from Into: the transform may only produce
	// values for the listed IDs, used for bulk replace operations.
	bounded bool
}

// Key selects a single document.
func Key(id string) Selector {
	return Selector{ids: []string{id}}
}

// Keys selects a set of documents.
func Keys(ids ...string) Selector {
	return Selector{ids: append([]string(nil), ids...)}
}

// Into selects the key set of the given mapping and additionally bounds
// the transform to exactly those IDs for the round. Used when a transform
// replaces a known key set wholesale.
func Into(docs Docs) Selector {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	return Selector{ids: ids, bounded: true}
}

// IDs returns the selected document IDs.
func (s Selector) IDs() []string {
	return s.ids
}

// Bounded reports whether the transform is restricted to the selected IDs.
func (s Selector) Bounded() bool {
	return s.bounded
}

// Transform computes the desired new values for a selected subset of
// documents. Absent documents are passed as nil entries; returning a nil
// entry (or dropping the key) requests deletion. Transforms must be pure:
// they can run more than once when a write conflicts and is re-based onto
// the fresh remote state.
type Transform func(docs Docs) (Docs, error)

// WriteRequest is one conditional write in a bulk batch.
// A nil Doc with Deleted set requests a delete of the given revision.
// An empty Rev on a non-delete requests creation of a new document.
type WriteRequest struct {
	ID      string
	Rev     string
	Doc     *Document
	Deleted bool
}

// WriteResult reports the outcome of one WriteRequest, in request order.
// OK carries the new revision. A conflict (stale or missing revision) sets
// Conflict; any other rejection carries the store's reason in Err.
type WriteResult struct {
	ID       string
	OK       bool
	NewRev   string
	Conflict bool
	Err      string
}

// ChangeEvent is one entry from a store's change feed.
// Doc is nil when Deleted is set. Seq is an opaque position token usable
// as the "since" argument of a later subscription.
type ChangeEvent struct {
	ID      string
	Doc     *Document
	Rev     string
	Deleted bool
	Seq     string
}
