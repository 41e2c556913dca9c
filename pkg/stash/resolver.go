package stash

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxRounds bounds the conflict-retry loop. An adversarially hot
// document could otherwise starve a mutation forever.
const DefaultMaxRounds = 16

// RetryExhaustedError is returned when documents were still in conflict
// after the configured number of retry rounds. The listed documents are
// left in their optimistic local state.
type RetryExhaustedError struct {
	IDs    []string
	Rounds int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d conflict rounds on: %s",
		e.Rounds, strings.Join(e.IDs, ", "))
}

// IsRetryExhausted reports whether err means a mutation ran out of
// conflict-retry rounds.
func IsRetryExhausted(err error) bool {
	var e *RetryExhaustedError
	return errors.As(err, &e)
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// WriteError reports per-document hard write failures: permanent
// rejections unrelated to revision staleness. The affected documents are
// left in their optimistic local state, so the caller knows local and
// remote have diverged for exactly these IDs.
type WriteError struct {
	Failures map[string]string // document ID -> store's reason
}

func (e *WriteError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s (%s)", id, e.Failures[id])
	}
	return fmt.Sprintf("store rejected writes: %s", strings.Join(parts, ", "))
}

// resolve applies a transform to the selected subset of a cache's
// documents, mutates the cache optimistically, persists the result with
// optimistic concurrency control, and loops over exactly the documents
// that conflicted until the subset settles or the round cap is hit.
//
// Each round: read the base values, apply the transform, diff against the
// base, apply the diff locally, submit the changed documents as one bulk
// conditional write, reconcile successes with their new revisions, then
// re-read only the conflicting subset and repeat with the fresh base. A
// conflicted document is never rolled back to its pre-optimistic value;
// the user's transform is re-applied to the new remote state instead, so
// intent survives unless the document fundamentally changed underneath it.
func resolve(ctx context.Context, store Store, cache *Cache, sel Selector, transform Transform, maxRounds int) error {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	// Duplicate selections would emit duplicate write requests for the
	// same document, and the second of those always conflicts.
	ids := dedup(sel.IDs())
	if len(ids) == 0 {
		return nil
	}

	// First round bases on the cache's current view; later rounds base
	// on the freshly fetched remote values of the conflicting subset.
	base := make(Docs, len(ids))
	for _, id := range ids {
		base[id] = cache.Get(id)
	}

	hard := make(map[string]string)

	for round := 0; ; round++ {
		if round >= maxRounds {
			sort.Strings(ids)
			return &RetryExhaustedError{IDs: ids, Rounds: round}
		}

		input := make(Docs, len(base))
		for id, doc := range base {
			input[id] = doc.Clone()
		}
		out, err := transform(input)
		if err != nil {
			return fmt.Errorf("transform failed: %w", err)
		}

		var reqs []WriteRequest
		diff := make(map[string]*Document, len(ids))
		for _, id := range ids {
			cur := base[id]
			var next *Document
			if out != nil {
				next = out[id]
			}
			if sel.Bounded() && next != nil && next.ID != "" && next.ID != id {
				return fmt.Errorf("transform produced document %q outside its bounded selection", next.ID)
			}

			if cur.Equal(next) {
				// No write needed. On retry rounds the fresh remote
				// value still replaces the stale optimistic one so
				// local and remote converge without waiting for the
				// change feed.
				if round > 0 {
					if cur == nil {
						diff[id] = nil
					} else {
						diff[id] = cur
					}
				}
				continue
			}

			if next != nil {
				nd := next.Clone()
				nd.ID = id
				if cur != nil {
					nd.Rev = cur.Rev
				} else {
					nd.Rev = ""
				}
				diff[id] = nd
				reqs = append(reqs, WriteRequest{ID: id, Rev: nd.Rev, Doc: nd})
			} else if cur != nil {
				diff[id] = nil
				reqs = append(reqs, WriteRequest{ID: id, Rev: cur.Rev, Deleted: true})
			}
		}

		if len(diff) > 0 {
			// The optimistic step: the caller's view reflects the
			// transform before any network round-trip completes.
			cache.ApplyLocal(diff)
		}
		if len(reqs) == 0 {
			break
		}

		results, err := store.BulkWrite(ctx, reqs)
		if err != nil {
			return fmt.Errorf("bulk write failed: %w", err)
		}
		if len(results) != len(reqs) {
			return fmt.Errorf("store returned %d results for %d write requests", len(results), len(reqs))
		}

		var conflicted []string
		for i, res := range results {
			req := reqs[i]
			switch {
			case res.OK:
				if !req.Deleted {
					cache.ApplyRemote(req.ID, req.Doc, res.NewRev, false)
				}
			case res.Conflict:
				conflicted = append(conflicted, req.ID)
			default:
				// Left in its optimistic local state; reported to the
				// caller rather than silently diverging.
				hard[req.ID] = res.Err
			}
		}

		if len(conflicted) == 0 {
			break
		}

		fresh, err := store.Fetch(ctx, conflicted)
		if err != nil {
			return fmt.Errorf("failed to re-read conflicting documents: %w", err)
		}
		if len(fresh) != len(conflicted) {
			return fmt.Errorf("store returned %d documents for %d fetched IDs", len(fresh), len(conflicted))
		}

		// A nil fresh value means the document was deleted remotely
		// while the local update was in flight. The transform sees the
		// absence and decides whether to re-create; nothing is
		// resurrected implicitly.
		ids = conflicted
		base = make(Docs, len(conflicted))
		for i, id := range conflicted {
			base[id] = fresh[i]
		}
	}

	if len(hard) > 0 {
		return &WriteError{Failures: hard}
	}
	return nil
}
