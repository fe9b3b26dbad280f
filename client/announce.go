package client

import (
	"context"
	"sync"

	"meshrpc/mesh"
)

// announceQueue keeps the most recent announces seen on the transport.
// When full, the oldest entry is discarded. Waiters consume the first
// entry matching their filter.
type announceQueue struct {
	mu    sync.Mutex
	queue []mesh.Announce
	max   int
	// wake is closed and replaced on every push, waking every waiter to
	// re-scan the queue. A token channel would let one waiter absorb a
	// wakeup meant for another whose filter the new entry matches.
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newAnnounceQueue(max int) *announceQueue {
	return &announceQueue{
		max:  max,
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (q *announceQueue) push(a mesh.Announce) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.queue) >= q.max {
		q.queue = q.queue[1:]
	}
	q.queue = append(q.queue, a)
	close(q.wake)
	q.wake = make(chan struct{})
}

// take removes and returns the first announce matching the filter,
// along with the channel to wait on if nothing matched.
func (q *announceQueue) take(filter func(mesh.Announce) bool) (mesh.Announce, bool, chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.queue {
		if filter == nil || filter(a) {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return a, true, nil
		}
	}
	return mesh.Announce{}, false, q.wake
}

func (q *announceQueue) wait(ctx context.Context, filter func(mesh.Announce) bool) (mesh.Announce, error) {
	for {
		a, ok, wake := q.take(filter)
		if ok {
			return a, nil
		}
		select {
		case <-wake:
		case <-q.done:
			return mesh.Announce{}, ErrClosed
		case <-ctx.Done():
			return mesh.Announce{}, ctx.Err()
		}
	}
}

func (q *announceQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
