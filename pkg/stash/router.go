package stash

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Router maintains the single live change-feed subscription for one
// store and dispatches each incoming change to the cache registered for
// its group. Exactly one subscription exists per store no matter how many
// caches are open: long-lived connections to one remote host are a
// scarce resource, so the caches multiplex over it.
//
// The subscription starts at the store's current position and
// auto-reconnects on failure with exponential backoff, resuming from the
// last delivered sequence token so a brief outage does not drop changes
// the store can still replay.
type Router struct {
	store Store

	mu      sync.Mutex
	routes  map[string]*Cache // group prefix -> cache
	lastSeq string

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRouter creates a router for the given store. The feed is not opened
// until Start is called.
func NewRouter(store Store) *Router {
	return &Router{
		store:  store,
		routes: make(map[string]*Cache),
		done:   make(chan struct{}),
	}
}

// Register adds a group-to-cache routing entry. Safe to call after the
// subscription has started; groups are discovered lazily as caches are
// opened mid-session. Registering the same group again replaces the
// entry.
func (r *Router) Register(group string, cache *Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[GroupPrefix(group)] = cache
}

// Start opens the change feed and begins dispatching. Subsequent calls
// are no-ops. The feed runs until Close or the context is cancelled.
func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		go r.run(runCtx)
	})
}

// Close tears down the subscription. Safe to call multiple times.
// Implements io.Closer.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		} else {
			close(r.done)
		}
	})
	return nil
}

func (r *Router) since() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSeq == "" {
		return SinceNow
	}
	return r.lastSeq
}

func (r *Router) run(ctx context.Context) {
	defer close(r.done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; an outage is not fatal

	for {
		feed, err := r.store.Changes(ctx, r.since())
		if err != nil {
			if !r.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		r.consume(ctx, feed, bo)
		feed.Close()

		if ctx.Err() != nil {
			return
		}
		if !r.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// consume dispatches events until the feed ends or the context is
// cancelled. The backoff resets once an event is delivered, so a feed
// that dies immediately on connect does not reconnect in a hot loop.
func (r *Router) consume(ctx context.Context, feed *ChangeFeed, bo *backoff.ExponentialBackOff) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed.Events():
			if !ok {
				return
			}
			bo.Reset()
			r.dispatch(ev)
		case <-feed.Errors():
			return
		}
	}
}

// dispatch routes one change to the cache owning the longest registered
// prefix of its ID. Changes for unregistered groups are dropped: no cache
// is interested yet.
func (r *Router) dispatch(ev ChangeEvent) {
	r.mu.Lock()
	if ev.Seq != "" {
		r.lastSeq = ev.Seq
	}
	var target *Cache
	best := -1
	for prefix, cache := range r.routes {
		if strings.HasPrefix(ev.ID, prefix) && len(prefix) > best {
			best = len(prefix)
			target = cache
		}
	}
	r.mu.Unlock()

	if target != nil {
		target.ApplyRemote(ev.ID, ev.Doc, ev.Rev, ev.Deleted)
	}
}

func (r *Router) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
