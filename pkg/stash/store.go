package stash

import (
	"context"
	"errors"
	"sync"
)

// SinceNow subscribes a change feed at the store's current position,
// without replaying history.
const SinceNow = "now"

// Sentinel errors returned by Store implementations. Use the Is* helpers
// rather than comparing directly.
var (
	// ErrNotFound indicates a requested document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrUnauthorized indicates the store rejected the credentials.
	// Callers should treat this as fatal rather than retrying.
	ErrUnauthorized = errors.New("unauthorized")
)

// Store is the remote document store contract the cache layer depends on:
// a key/value document service with per-document opaque revision tokens,
// prefix range scans, bulk conditional writes and a live change feed.
type Store interface {
	// GetRange returns every document whose ID lies in
	// [prefix, prefix+HighSentinel). Used to seed a cache when a group
	// is opened.
	GetRange(ctx context.Context, prefix string) ([]*Document, error)

	// Fetch returns the current value of each requested ID, in request
	// order, with nil entries for documents that do not exist. Used by
	// the conflict resolver to re-read exactly the conflicting subset.
	Fetch(ctx context.Context, ids []string) ([]*Document, error)

	// BulkWrite submits a batch of conditional writes and returns one
	// result per request, in request order. A returned error means the
	// whole batch failed to execute (connectivity, auth, out-of-band
	// validation); per-document rejections are reported in the results.
	BulkWrite(ctx context.Context, reqs []WriteRequest) ([]WriteResult, error)

	// Changes opens a live change feed starting at the given position
	// (SinceNow for the current position). The feed ends when the
	// subscription drops; resubscription policy belongs to the caller.
	Changes(ctx context.Context, since string) (*ChangeFeed, error)
}

// ChangeFeed is an active change-feed subscription. Events are delivered
// on Events until the feed ends; a terminal delivery failure is reported
// on Errors. Callers must Close the feed when done.
type ChangeFeed struct {
	events <-chan ChangeEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// NewChangeFeed assembles a feed from its channels and cancel function.
// Intended for Store implementations.
func NewChangeFeed(events <-chan ChangeEvent, errs <-chan error, cancel func()) *ChangeFeed {
	return &ChangeFeed{events: events, errors: errs, cancel: cancel}
}

// Events returns the channel of change events. It is closed when the
// subscription ends.
func (f *ChangeFeed) Events() <-chan ChangeEvent {
	return f.events
}

// Errors returns the channel of terminal subscription errors.
func (f *ChangeFeed) Errors() <-chan error {
	return f.errors
}

// Close stops the subscription and releases its resources. Implements
// io.Closer. Safe to call multiple times.
func (f *ChangeFeed) Close() error {
	f.once.Do(f.cancel)
	return nil
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized returns true if the error indicates rejected credentials.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
