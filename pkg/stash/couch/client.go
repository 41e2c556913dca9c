// Package couch implements the stash.Store contract against a CouchDB
// (or compatible) HTTP document store: _all_docs range scans and keyed
// fetches, _bulk_docs conditional writes with per-row conflict
// reporting, and a long-polled _changes feed.
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/drey/pkg/stash"
)

const (
	// DefaultFeedTimeout is the server-side long-poll window. A finite
	// timeout with heartbeats disabled means an idle feed costs a
	// periodic reconnect instead of a connection held open forever.
	DefaultFeedTimeout = 30 * time.Second

	defaultRequestTimeout = 30 * time.Second
)

// Config holds the connection parameters for one database.
type Config struct {
	// URL is the server base URL, e.g. "http://localhost:5984".
	URL string

	// Database is the database name all operations target.
	Database string

	// Username and Password enable basic auth when non-empty.
	Username string
	Password string

	// FeedTimeout overrides the server-side long-poll window.
	FeedTimeout time.Duration

	// RequestTimeout bounds ordinary (non-feed) requests.
	RequestTimeout time.Duration
}

// Client is a stash.Store backed by a CouchDB database. It is safe for
// concurrent use.
type Client struct {
	cfg  Config
	base string

	http *http.Client
	feed *http.Client
}

var _ stash.Store = (*Client)(nil)

// New creates a client for the configured database.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("store URL cannot be empty")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = DefaultFeedTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.URL, "/") + "/" + url.PathEscape(cfg.Database),
		http: &http.Client{Timeout: cfg.RequestTimeout},
		// The feed client must outlive the server's long-poll window,
		// but still drop a dead connection eventually.
		feed: &http.Client{Timeout: cfg.FeedTimeout + 15*time.Second},
	}, nil
}

// GetRange returns every document whose ID lies in
// [prefix, prefix+HighSentinel), via an _all_docs range query.
func (c *Client) GetRange(ctx context.Context, prefix string) ([]*stash.Document, error) {
	params := url.Values{}
	params.Set("include_docs", "true")
	params.Set("startkey", jsonKey(prefix))
	params.Set("endkey", jsonKey(prefix+stash.HighSentinel))

	var body allDocsResponse
	if err := c.do(ctx, c.http, http.MethodGet, "/_all_docs?"+params.Encode(), nil, &body); err != nil {
		return nil, fmt.Errorf("range scan for prefix %q failed: %w", prefix, err)
	}

	docs := make([]*stash.Document, 0, len(body.Rows))
	for _, row := range body.Rows {
		if row.Doc == nil || row.Value.Deleted {
			continue
		}
		doc, err := stash.FromWire(row.Doc)
		if err != nil {
			return nil, fmt.Errorf("malformed document in range scan: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Fetch returns the current value of each requested ID in request order,
// with nil entries for missing or deleted documents.
func (c *Client) Fetch(ctx context.Context, ids []string) ([]*stash.Document, error) {
	req := map[string]any{"keys": ids}
	var body allDocsResponse
	if err := c.do(ctx, c.http, http.MethodPost, "/_all_docs?include_docs=true", req, &body); err != nil {
		return nil, fmt.Errorf("fetch of %d documents failed: %w", len(ids), err)
	}

	byID := make(map[string]*stash.Document, len(body.Rows))
	for _, row := range body.Rows {
		if row.Error != "" || row.Doc == nil || row.Value.Deleted {
			continue
		}
		doc, err := stash.FromWire(row.Doc)
		if err != nil {
			return nil, fmt.Errorf("malformed document in fetch: %w", err)
		}
		byID[doc.ID] = doc
	}

	out := make([]*stash.Document, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

// BulkWrite submits the batch as one _bulk_docs request. Per-row
// "conflict" errors become conflict results; other per-row rejections
// carry the store's reason. A transport or database-level failure is
// returned as an error for the whole batch.
func (c *Client) BulkWrite(ctx context.Context, reqs []stash.WriteRequest) ([]stash.WriteResult, error) {
	docs := make([]map[string]any, len(reqs))
	for i, req := range reqs {
		if req.Deleted {
			docs[i] = map[string]any{"_id": req.ID, "_rev": req.Rev, "_deleted": true}
			continue
		}
		wire := stash.ToWire(req.Doc)
		wire["_id"] = req.ID
		if req.Rev != "" {
			wire["_rev"] = req.Rev
		} else {
			delete(wire, "_rev")
		}
		docs[i] = wire
	}

	var rows []bulkDocsRow
	if err := c.do(ctx, c.http, http.MethodPost, "/_bulk_docs", map[string]any{"docs": docs}, &rows); err != nil {
		return nil, fmt.Errorf("bulk write of %d documents failed: %w", len(reqs), err)
	}
	if len(rows) != len(reqs) {
		return nil, fmt.Errorf("store returned %d rows for %d write requests", len(rows), len(reqs))
	}

	results := make([]stash.WriteResult, len(rows))
	for i, row := range rows {
		switch {
		case row.Error == "":
			results[i] = stash.WriteResult{ID: row.ID, OK: true, NewRev: row.Rev}
		case row.Error == "conflict":
			results[i] = stash.WriteResult{ID: row.ID, Conflict: true}
		default:
			reason := row.Reason
			if reason == "" {
				reason = row.Error
			}
			results[i] = stash.WriteResult{ID: row.ID, Err: reason}
		}
	}
	return results, nil
}

// Changes opens a long-polled _changes subscription. Heartbeats are
// deliberately not requested: the finite server-side timeout bounds how
// long an idle poll holds the connection, at the cost of a periodic
// re-poll. The feed ends (with an error on Errors) when a poll fails;
// resubscription policy belongs to the caller.
func (c *Client) Changes(ctx context.Context, since string) (*stash.ChangeFeed, error) {
	events := make(chan stash.ChangeEvent, 64)
	errs := make(chan error, 1)
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(events)
		cursor := since
		for {
			batch, lastSeq, err := c.poll(feedCtx, cursor)
			if err != nil {
				if feedCtx.Err() == nil {
					errs <- err
				}
				return
			}
			cursor = lastSeq
			for _, ev := range batch {
				select {
				case events <- ev:
				case <-feedCtx.Done():
					return
				}
			}
		}
	}()

	return stash.NewChangeFeed(events, errs, cancel), nil
}

// poll runs one long-poll round and returns the delivered changes plus
// the sequence token to resume from.
func (c *Client) poll(ctx context.Context, since string) ([]stash.ChangeEvent, string, error) {
	params := url.Values{}
	params.Set("feed", "longpoll")
	params.Set("include_docs", "true")
	params.Set("since", since)
	params.Set("timeout", strconv.FormatInt(c.cfg.FeedTimeout.Milliseconds(), 10))

	var body changesResponse
	if err := c.do(ctx, c.feed, http.MethodGet, "/_changes?"+params.Encode(), nil, &body); err != nil {
		return nil, "", fmt.Errorf("changes poll failed: %w", err)
	}

	events := make([]stash.ChangeEvent, 0, len(body.Results))
	for _, res := range body.Results {
		ev := stash.ChangeEvent{ID: res.ID, Deleted: res.Deleted, Seq: seqString(res.Seq)}
		if len(res.Changes) > 0 {
			ev.Rev = res.Changes[0].Rev
		}
		if !res.Deleted && res.Doc != nil {
			doc, err := stash.FromWire(res.Doc)
			if err != nil {
				return nil, "", fmt.Errorf("malformed document in change event: %w", err)
			}
			ev.Doc = doc
		}
		events = append(events, ev)
	}
	return events, seqString(body.LastSeq), nil
}

// do runs one JSON request/response cycle against the database.
func (c *Client) do(ctx context.Context, client *http.Client, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Distinguished from ordinary network errors so callers can
		// force a re-login instead of retrying forever.
		return fmt.Errorf("%s %s: %w", method, path, stash.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, stash.ErrNotFound)
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// jsonKey encodes a key for use in an _all_docs query parameter, where
// CouchDB expects a JSON-encoded string.
func jsonKey(key string) string {
	data, _ := json.Marshal(key)
	return string(data)
}

// seqString normalizes a sequence token, which CouchDB 1.x reports as a
// number and 2.x+ as a string.
func seqString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type allDocsResponse struct {
	Rows []struct {
		ID    string `json:"id"`
		Error string `json:"error"`
		Value struct {
			Deleted bool `json:"deleted"`
		} `json:"value"`
		Doc map[string]any `json:"doc"`
	} `json:"rows"`
}

type bulkDocsRow struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type changesResponse struct {
	Results []struct {
		Seq     json.RawMessage `json:"seq"`
		ID      string          `json:"id"`
		Deleted bool            `json:"deleted"`
		Changes []struct {
			Rev string `json:"rev"`
		} `json:"changes"`
		Doc map[string]any `json:"doc"`
	} `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}
