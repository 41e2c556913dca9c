package stash

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// memStore is an in-memory Store used by the package tests. It enforces
// revision-checked writes, serves prefix scans and keyed fetches, and
// feeds every subscriber a copy of each accepted write. Tests can force
// conflicts or hard failures per document.
type memStore struct {
	mu   sync.Mutex
	docs map[string]*Document
	seq  int
	gen  int

	subs map[int]chan ChangeEvent
	next int

	// test hooks
	forceConflicts map[string]int    // id -> conflicts to report before accepting
	hardFailures   map[string]string // id -> rejection reason
	rangeCalls     int
	bulkCalls      int
	fetchCalls     int
}

func newMemStore() *memStore {
	return &memStore{
		docs:           make(map[string]*Document),
		subs:           make(map[int]chan ChangeEvent),
		forceConflicts: make(map[string]int),
		hardFailures:   make(map[string]string),
	}
}

// seed inserts a document directly, stamping a fresh revision.
func (m *memStore) seed(doc *Document) *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamped := doc.Clone()
	stamped.Rev = m.nextRevLocked(stamped.Rev)
	m.docs[stamped.ID] = stamped
	return stamped
}

// overwrite simulates another client winning a race: it replaces the
// stored value with a fresh revision and publishes the change.
func (m *memStore) overwrite(doc *Document) *Document {
	m.mu.Lock()
	stamped := doc.Clone()
	stamped.Rev = m.nextRevLocked(stamped.Rev)
	m.docs[stamped.ID] = stamped
	ev := m.eventLocked(stamped.ID, stamped, false)
	m.mu.Unlock()
	m.publish(ev)
	return stamped
}

// remove simulates another client deleting a document.
func (m *memStore) remove(id string) {
	m.mu.Lock()
	delete(m.docs, id)
	ev := m.eventLocked(id, nil, true)
	m.mu.Unlock()
	m.publish(ev)
}

func (m *memStore) nextRevLocked(prior string) string {
	n := 1
	if prior != "" {
		if i := strings.Index(prior, "-"); i > 0 {
			if g, err := strconv.Atoi(prior[:i]); err == nil {
				n = g + 1
			}
		}
	}
	m.gen++
	return fmt.Sprintf("%d-%06d", n, m.gen)
}

func (m *memStore) eventLocked(id string, doc *Document, deleted bool) ChangeEvent {
	m.seq++
	ev := ChangeEvent{ID: id, Deleted: deleted, Seq: strconv.Itoa(m.seq)}
	if doc != nil {
		ev.Doc = doc.Clone()
		ev.Rev = doc.Rev
	}
	return ev
}

func (m *memStore) publish(ev ChangeEvent) {
	m.mu.Lock()
	chans := make([]chan ChangeEvent, 0, len(m.subs))
	for _, ch := range m.subs {
		chans = append(chans, ch)
	}
	m.mu.Unlock()
	for _, ch := range chans {
		ch <- ev
	}
}

func (m *memStore) GetRange(_ context.Context, prefix string) ([]*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rangeCalls++
	var out []*Document
	for id, doc := range m.docs {
		if strings.HasPrefix(id, prefix) {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (m *memStore) Fetch(_ context.Context, ids []string) ([]*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	out := make([]*Document, len(ids))
	for i, id := range ids {
		if doc, ok := m.docs[id]; ok {
			out[i] = doc.Clone()
		}
	}
	return out, nil
}

func (m *memStore) BulkWrite(_ context.Context, reqs []WriteRequest) ([]WriteResult, error) {
	m.mu.Lock()
	m.bulkCalls++
	results := make([]WriteResult, len(reqs))
	var events []ChangeEvent
	for i, req := range reqs {
		if reason, ok := m.hardFailures[req.ID]; ok {
			results[i] = WriteResult{ID: req.ID, Err: reason}
			continue
		}
		if m.forceConflicts[req.ID] > 0 {
			m.forceConflicts[req.ID]--
			results[i] = WriteResult{ID: req.ID, Conflict: true}
			continue
		}

		cur := m.docs[req.ID]
		curRev := ""
		if cur != nil {
			curRev = cur.Rev
		}
		if req.Rev != curRev {
			results[i] = WriteResult{ID: req.ID, Conflict: true}
			continue
		}

		if req.Deleted {
			delete(m.docs, req.ID)
			results[i] = WriteResult{ID: req.ID, OK: true}
			events = append(events, m.eventLocked(req.ID, nil, true))
			continue
		}

		stored := req.Doc.Clone()
		stored.ID = req.ID
		stored.Rev = m.nextRevLocked(curRev)
		m.docs[req.ID] = stored
		results[i] = WriteResult{ID: req.ID, OK: true, NewRev: stored.Rev}
		events = append(events, m.eventLocked(req.ID, stored, false))
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.publish(ev)
	}
	return results, nil
}

func (m *memStore) Changes(ctx context.Context, _ string) (*ChangeFeed, error) {
	events := make(chan ChangeEvent, 64)
	errs := make(chan error, 1)

	m.mu.Lock()
	token := m.next
	m.next++
	m.subs[token] = events
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-subCtx.Done()
		m.mu.Lock()
		delete(m.subs, token)
		m.mu.Unlock()
	}()

	return NewChangeFeed(events, errs, cancel), nil
}

func (m *memStore) rev(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[id]; ok {
		return doc.Rev
	}
	return ""
}
