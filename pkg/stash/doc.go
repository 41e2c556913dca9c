// Package stash keeps in-memory, observable document caches consistent
// with a remote, revision-stamped document store while tolerating
// concurrent local edits, network latency and write conflicts.
//
// # Overview
//
// The store holds flat collections of JSON documents keyed by ID, where
// each ID carries a group prefix ("models:npn" belongs to group
// "models"). For each group a Synced cache provides a single reactive,
// mutable view that applies local edits optimistically and immediately,
// persists them with optimistic concurrency control, retries only the
// documents that actually conflicted, and merges a live stream of
// remotely-originated changes into the same view without re-triggering
// its own writes.
//
// # Core Concepts
//
// Documents are revision-stamped units of data. Every successful write
// produces a new opaque revision token; a write carrying a stale token
// is rejected as a conflict. A deleted document is represented in a
// cache by key absence, never by a placeholder value.
//
// Mutations are pure transforms over a selected subset of a group's
// documents. They are queued per cache and run strictly one at a time,
// so concurrent mutations against the same group never multiply
// conflicts by racing their read-modify-write cycles.
//
// The change feed is one long-lived subscription per store, shared by
// every open cache. A router dispatches each incoming change to the
// cache owning the longest matching ID prefix, deduplicating by
// revision so the feed's echo of a local write is a no-op.
//
// # Usage Example
//
//	store, err := couch.New(couch.Config{URL: "http://localhost:5984", Database: "schematics"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	session := stash.NewSession(store)
//	defer session.Close()
//
//	models, err := session.Open(ctx, "models")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Rename a model. The snapshot reflects the change immediately;
//	// persistence and conflict retries happen before Mutate returns.
//	err = models.Mutate(ctx, stash.Key("models:npn"), func(docs stash.Docs) (stash.Docs, error) {
//		doc := docs["models:npn"].Clone()
//		doc.Fields["name"] = "npn-2"
//		return stash.Docs{"models:npn": doc}, nil
//	})
//
// # Design Principles
//
//   - Optimistic first: the caller never awaits a network round-trip to
//     see its own write.
//   - Minimal retry scope: only the documents that conflicted are
//     re-read and re-transformed, on their fresh remote base.
//   - One feed per store: caches multiplex over a single subscription
//     because concurrent connections to one host are scarce.
//   - Explicit ownership: caches belong to a Session, not to package
//     globals.
package stash
