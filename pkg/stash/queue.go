package stash

import "sync"

// MutationQueue serializes mutation rounds for one cache. At most one
// queued item runs at a time and items run in submission order, so two
// mutations against the same group never race their read-modify-write
// cycles against the store - the second always sees the first's
// optimistic result as its base state.
type MutationQueue struct {
	mu      sync.Mutex
	pending []*queuedTask
	running bool
}

type queuedTask struct {
	run  func()
	done chan struct{}
}

// NewMutationQueue creates an empty queue.
func NewMutationQueue() *MutationQueue {
	return &MutationQueue{}
}

// Enqueue appends work after the currently running item and returns a
// channel that is closed when the work (including all of its internal
// retries) has finished, whether it succeeded or gave up. The work
// function communicates its outcome through its own closure.
func (q *MutationQueue) Enqueue(work func()) <-chan struct{} {
	t := &queuedTask{run: work, done: make(chan struct{})}

	q.mu.Lock()
	q.pending = append(q.pending, t)
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return t.done
}

// drain runs queued items one at a time until the queue empties, then
// exits so an idle queue holds no goroutine.
func (q *MutationQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		func() {
			defer close(t.done)
			// A panicking item must not wedge the queue or take the
			// drainer down with it.
			defer func() { _ = recover() }()
			t.run()
		}()
	}
}
