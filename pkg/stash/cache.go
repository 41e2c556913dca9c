package stash

import (
	"strings"
	"sync"
)

// Listener observes cache state transitions. It receives the full
// previous and next state, batched per applied diff rather than per key.
// Listeners run synchronously on the goroutine applying the change and
// must not block or mutate the cache re-entrantly.
type Listener func(old, new Docs)

// Cache is the in-process view of one group's documents. It is safe for
// concurrent use. Deleted documents are represented by key absence.
//
// All local mutation flows through the owning Synced facade; remote
// changes arrive via the router. External code only reads snapshots.
type Cache struct {
	group  string
	prefix string

	mu   sync.Mutex
	docs Docs

	// notifyMu serializes listener delivery so observers see a
	// monotonically advancing sequence of states.
	notifyMu     sync.Mutex
	listenerMu   sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

// NewCache creates an empty cache for the given group.
func NewCache(group string) *Cache {
	return &Cache{
		group:     group,
		prefix:    GroupPrefix(group),
		docs:      make(Docs),
		listeners: make(map[int]Listener),
	}
}

// Group returns the group this cache is partitioned on.
func (c *Cache) Group() string {
	return c.group
}

// Snapshot returns the current state. It never blocks on I/O and never
// fails. The returned mapping is a copy; documents are shared and must
// not be mutated.
func (c *Cache) Snapshot() Docs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs.Clone()
}

// Get returns the current value of one document, or nil if absent.
func (c *Cache) Get(id string) *Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs[id]
}

// ApplyLocal merges an optimistic local diff into the cache immediately,
// before any remote confirmation. A nil entry removes the key. Entries
// outside the cache's group are ignored. Listeners are notified once for
// the whole diff.
func (c *Cache) ApplyLocal(diff map[string]*Document) {
	// notifyMu is held across the state change so listener delivery
	// order matches application order.
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	old := c.docs.Clone()
	changed := false
	for id, doc := range diff {
		if !strings.HasPrefix(id, c.prefix) {
			continue
		}
		if doc == nil {
			if _, ok := c.docs[id]; ok {
				delete(c.docs, id)
				changed = true
			}
			continue
		}
		c.docs[id] = doc
		changed = true
	}
	next := c.docs.Clone()
	c.mu.Unlock()

	if changed {
		c.notify(old, next)
	}
}

// ApplyRemote folds one remotely-originated change into the cache. The
// change is applied only if its revision differs from the revision
// already recorded for the ID: an echo of the cache's own just-written
// change, or a repeated delivery, is a no-op and produces no
// notification. Returns whether the cache changed.
func (c *Cache) ApplyRemote(id string, doc *Document, rev string, deleted bool) bool {
	if !strings.HasPrefix(id, c.prefix) {
		return false
	}

	// A non-delete event can arrive without a body (a feed row the
	// store could not load). With no content to apply, skip it; the
	// document surfaces again on its next real change.
	if doc == nil && !deleted {
		return false
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	current, exists := c.docs[id]

	if deleted {
		if !exists {
			c.mu.Unlock()
			return false
		}
		old := c.docs.Clone()
		delete(c.docs, id)
		next := c.docs.Clone()
		c.mu.Unlock()
		c.notify(old, next)
		return true
	}

	if exists && current.Rev == rev {
		c.mu.Unlock()
		return false
	}

	applied := doc.Clone()
	applied.ID = id
	applied.Rev = rev

	old := c.docs.Clone()
	c.docs[id] = applied
	next := c.docs.Clone()
	c.mu.Unlock()
	c.notify(old, next)
	return true
}

// Subscribe registers a listener and returns a token for Unsubscribe.
func (c *Cache) Subscribe(l Listener) int {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	token := c.nextListener
	c.nextListener++
	c.listeners[token] = l
	return token
}

// Unsubscribe removes a previously registered listener. Unknown tokens
// are ignored.
func (c *Cache) Unsubscribe(token int) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	delete(c.listeners, token)
}

// notify delivers one state transition to all listeners. Callers hold
// notifyMu but not mu, so listeners may take fresh snapshots.
func (c *Cache) notify(old, next Docs) {
	c.listenerMu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenerMu.Unlock()

	for _, l := range ls {
		l(old, next)
	}
}
