package stash

import (
	"context"
	"fmt"
	"sync"
)

// Session is the composition root for one store connection. It owns the
// shared change-feed router and one Synced cache per open group. Sessions
// are created and closed explicitly; nothing here lives in package
// globals, so lifecycle follows the owning workspace rather than the
// process.
type Session struct {
	store     Store
	router    *Router
	maxRounds int

	mu     sync.Mutex
	caches map[string]*Synced
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMaxConflictRounds caps how many conflict-retry rounds a single
// mutation may run before giving up with a RetryExhaustedError.
// Defaults to DefaultMaxRounds.
func WithMaxConflictRounds(n int) SessionOption {
	return func(s *Session) {
		s.maxRounds = n
	}
}

// NewSession creates a session over the given store.
func NewSession(store Store, opts ...SessionOption) *Session {
	s := &Session{
		store:     store,
		router:    NewRouter(store),
		maxRounds: DefaultMaxRounds,
		caches:    make(map[string]*Synced),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the synced cache for a group, creating and seeding it on
// first use. Seeding performs one full prefix scan of the store; the
// cache is then registered with the shared router so remote changes keep
// it fresh. Opening the same group again returns the existing cache.
func (s *Session) Open(ctx context.Context, group string) (*Synced, error) {
	s.mu.Lock()
	if sc, ok := s.caches[group]; ok {
		s.mu.Unlock()
		return sc, nil
	}
	s.mu.Unlock()

	docs, err := s.store.GetRange(ctx, GroupPrefix(group))
	if err != nil {
		return nil, fmt.Errorf("failed to seed cache for group %q: %w", group, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent Open for the same group may have won the race while
	// the scan ran; keep the first cache.
	if sc, ok := s.caches[group]; ok {
		return sc, nil
	}

	cache := NewCache(group)
	seed := make(map[string]*Document, len(docs))
	for _, doc := range docs {
		seed[doc.ID] = doc
	}
	cache.ApplyLocal(seed)

	sc := &Synced{
		group:     group,
		store:     s.store,
		cache:     cache,
		queue:     NewMutationQueue(),
		maxRounds: s.maxRounds,
	}
	s.caches[group] = sc

	s.router.Register(group, cache)
	s.router.Start(context.Background())
	return sc, nil
}

// Close tears down the shared change feed. Open caches become inert:
// snapshots still work but no further remote changes arrive.
// Implements io.Closer.
func (s *Session) Close() error {
	return s.router.Close()
}

// Synced is the public face of one group's synchronized cache. Reads are
// synchronous and local; mutations are queued, applied optimistically,
// and reconciled with the store in the background of the calling
// goroutine.
type Synced struct {
	group     string
	store     Store
	cache     *Cache
	queue     *MutationQueue
	maxRounds int
}

// Group returns the group this cache covers.
func (sc *Synced) Group() string {
	return sc.group
}

// Snapshot returns the current state of the group. No I/O, never fails.
func (sc *Synced) Snapshot() Docs {
	return sc.cache.Snapshot()
}

// Get returns the current value of one document, or nil if absent.
func (sc *Synced) Get(id string) *Document {
	return sc.cache.Get(id)
}

// Mutate applies a transform to the selected documents. The local view
// reflects the transform as soon as the mutation's turn in the queue
// comes up, before any network round-trip; persistence and conflict
// retries then run to completion. Mutate returns once the mutation has
// fully settled, or with the context's error if the caller stops
// waiting - an already-dispatched write is not cancelled, and the
// optimistic local state remains visible regardless.
func (sc *Synced) Mutate(ctx context.Context, sel Selector, transform Transform) error {
	var rerr error
	done := sc.queue.Enqueue(func() {
		// A panicking transform must reject the mutation, not report
		// silent success; the queue's own recover is only a backstop.
		defer func() {
			if r := recover(); r != nil {
				rerr = fmt.Errorf("mutation panicked: %v", r)
			}
		}()
		rerr = resolve(ctx, sc.store, sc.cache, sel, transform, sc.maxRounds)
	})

	select {
	case <-done:
		return rerr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a listener fired on every applied diff, local or
// remote, batched per diff application. Returns a token for Unsubscribe.
func (sc *Synced) Subscribe(l Listener) int {
	return sc.cache.Subscribe(l)
}

// Unsubscribe removes a listener registered with Subscribe.
func (sc *Synced) Unsubscribe(token int) {
	sc.cache.Unsubscribe(token)
}
