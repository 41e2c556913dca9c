package stash

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire-format conversion between Document and the store's native JSON
// representation, where identity and revision travel as reserved _id and
// _rev fields alongside the payload. Pure and stateless.

const (
	wireFieldID      = "_id"
	wireFieldRev     = "_rev"
	wireFieldDeleted = "_deleted"
)

// ToWire flattens a document into its wire representation: the payload
// fields plus _id and _rev (when the document has a revision).
func ToWire(doc *Document) map[string]any {
	out := make(map[string]any, len(doc.Fields)+2)
	for k, v := range doc.Fields {
		out[k] = v
	}
	out[wireFieldID] = doc.ID
	if doc.Rev != "" {
		out[wireFieldRev] = doc.Rev
	}
	return out
}

// FromWire lifts a wire document into a Document, splitting the reserved
// fields out of the payload. Returns an error if _id is missing or not a
// string.
func FromWire(wire map[string]any) (*Document, error) {
	id, ok := wire[wireFieldID].(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("wire document has no _id field")
	}

	doc := &Document{ID: id, Fields: make(map[string]any, len(wire))}
	if rev, ok := wire[wireFieldRev].(string); ok {
		doc.Rev = rev
	}
	for k, v := range wire {
		if strings.HasPrefix(k, "_") {
			continue
		}
		doc.Fields[k] = v
	}
	return doc, nil
}

// MarshalWire encodes a document to wire JSON.
func MarshalWire(doc *Document) ([]byte, error) {
	data, err := json.Marshal(ToWire(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", doc.ID, err)
	}
	return data, nil
}

// UnmarshalWire decodes wire JSON into a Document.
func UnmarshalWire(data []byte) (*Document, error) {
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wire document: %w", err)
	}
	return FromWire(wire)
}
