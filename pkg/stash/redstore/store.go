// Package redstore implements the stash.Store contract on Redis, for
// local and development deployments where running a full document store
// is overkill. Documents live in hashes, revision checks run inside
// optimistic WATCH transactions, and change events travel over Pub/Sub.
//
// All keys and channels are namespaced by database name so multiple
// databases can coexist on a single Redis server.
package redstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/pkg/stash"
)

const (
	hashFieldRev  = "rev"
	hashFieldBody = "body"
)

// Store is a stash.Store backed by Redis. It is safe for concurrent use.
type Store struct {
	rdb *redis.Client
	db  string
}

var _ stash.Store = (*Store)(nil)

// New creates a store for the named database.
// Returns an error if the database name is empty.
func New(redisOpts *redis.Options, database string) (*Store, error) {
	if database == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}
	return &Store{rdb: redis.NewClient(redisOpts), db: database}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// docKey returns the hash key for a document.
// Pattern: drey:{database}:doc:{document_id}
func (s *Store) docKey(id string) string {
	return fmt.Sprintf("drey:%s:doc:%s", s.db, id)
}

// seqKey returns the key of the database's change sequence counter.
func (s *Store) seqKey() string {
	return fmt.Sprintf("drey:%s:seq", s.db)
}

// changesChannel returns the Pub/Sub channel carrying change events.
func (s *Store) changesChannel() string {
	return fmt.Sprintf("drey:%s:changes", s.db)
}

// GetRange returns every document whose ID starts with the prefix.
func (s *Store) GetRange(ctx context.Context, prefix string) ([]*stash.Document, error) {
	pattern := s.docKey(escapeGlob(prefix)) + "*"

	var docs []*stash.Document
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		doc, err := s.load(ctx, iter.Val())
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("range scan for prefix %q failed: %w", prefix, err)
	}
	return docs, nil
}

// Fetch returns the current value of each requested ID in request order,
// with nil entries for missing documents.
func (s *Store) Fetch(ctx context.Context, ids []string) ([]*stash.Document, error) {
	out := make([]*stash.Document, len(ids))
	for i, id := range ids {
		doc, err := s.load(ctx, s.docKey(id))
		if err != nil {
			return nil, err
		}
		out[i] = doc
	}
	return out, nil
}

// BulkWrite applies each request as an optimistic WATCH transaction: the
// stored revision is compared to the request's, and a mismatch - or a
// concurrent writer racing the transaction - reports a conflict for that
// document. Accepted writes are stamped with a fresh revision, assigned
// a sequence number, and published to the change channel.
func (s *Store) BulkWrite(ctx context.Context, reqs []stash.WriteRequest) ([]stash.WriteResult, error) {
	results := make([]stash.WriteResult, len(reqs))
	for i, req := range reqs {
		res, err := s.writeOne(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("bulk write failed at document %s: %w", req.ID, err)
		}
		results[i] = res
	}
	return results, nil
}

func (s *Store) writeOne(ctx context.Context, req stash.WriteRequest) (stash.WriteResult, error) {
	key := s.docKey(req.ID)
	var newRev string
	var event []byte

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		curRev, err := tx.HGet(ctx, key, hashFieldRev).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if curRev != req.Rev {
			return errStaleRev
		}

		seq, err := tx.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return err
		}

		if req.Deleted {
			event, err = marshalEvent(seq, req.ID, "", nil, true)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}

		newRev = nextRev(curRev)
		stored := req.Doc.Clone()
		stored.ID = req.ID
		stored.Rev = newRev
		body, err := stash.MarshalWire(stored)
		if err != nil {
			return err
		}
		event, err = marshalEvent(seq, req.ID, newRev, stored, false)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hashFieldRev, newRev, hashFieldBody, body)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, errStaleRev), errors.Is(err, redis.TxFailedErr):
		// Stale revision, or another writer won the race mid-transaction.
		return stash.WriteResult{ID: req.ID, Conflict: true}, nil
	case err != nil:
		return stash.WriteResult{}, err
	}

	if err := s.rdb.Publish(ctx, s.changesChannel(), event).Err(); err != nil {
		return stash.WriteResult{}, fmt.Errorf("failed to publish change event: %w", err)
	}
	return stash.WriteResult{ID: req.ID, OK: true, NewRev: newRev}, nil
}

// Changes subscribes to the database's change channel. Redis Pub/Sub
// carries no history, so every subscription behaves as "since now"
// regardless of the requested position; sequence tokens are still
// delivered for observability.
func (s *Store) Changes(ctx context.Context, _ string) (*stash.ChangeFeed, error) {
	pubsub := s.rdb.Subscribe(ctx, s.changesChannel())

	events := make(chan stash.ChangeEvent, 64)
	errs := make(chan error, 1)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(events)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := unmarshalEvent([]byte(msg.Payload))
				if err != nil {
					// Skip the malformed message; the feed survives.
					continue
				}
				select {
				case events <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return stash.NewChangeFeed(events, errs, cancel), nil
}

// errStaleRev aborts a write transaction whose revision check failed.
var errStaleRev = errors.New("stale revision")

// load reads one document hash, returning nil if the key is absent.
func (s *Store) load(ctx context.Context, key string) (*stash.Document, error) {
	body, err := s.rdb.HGet(ctx, key, hashFieldBody).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document at %s: %w", key, err)
	}
	doc, err := stash.UnmarshalWire([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("malformed document at %s: %w", key, err)
	}
	return doc, nil
}

// nextRev builds a revision token in the {generation}-{nonce} format:
// the generation increments on every write, the nonce makes tokens from
// different writers distinguishable.
func nextRev(prior string) string {
	gen := 1
	if prior != "" {
		if i := strings.Index(prior, "-"); i > 0 {
			if g, err := strconv.Atoi(prior[:i]); err == nil {
				gen = g + 1
			}
		}
	}
	return fmt.Sprintf("%d-%s", gen, uuid.NewString()[:8])
}

// escapeGlob escapes Redis glob metacharacters in a literal prefix.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

type wireEvent struct {
	Seq     int64          `json:"seq"`
	ID      string         `json:"id"`
	Rev     string         `json:"rev,omitempty"`
	Deleted bool           `json:"deleted,omitempty"`
	Doc     map[string]any `json:"doc,omitempty"`
}

func marshalEvent(seq int64, id, rev string, doc *stash.Document, deleted bool) ([]byte, error) {
	ev := wireEvent{Seq: seq, ID: id, Rev: rev, Deleted: deleted}
	if doc != nil {
		ev.Doc = stash.ToWire(doc)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event: %w", err)
	}
	return data, nil
}

func unmarshalEvent(data []byte) (stash.ChangeEvent, error) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return stash.ChangeEvent{}, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	out := stash.ChangeEvent{
		ID:      ev.ID,
		Rev:     ev.Rev,
		Deleted: ev.Deleted,
		Seq:     strconv.FormatInt(ev.Seq, 10),
	}
	if ev.Doc != nil {
		doc, err := stash.FromWire(ev.Doc)
		if err != nil {
			return stash.ChangeEvent{}, err
		}
		out.Doc = doc
	}
	return out, nil
}
