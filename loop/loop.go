// Package loop provides the single cooperative event loop that executes all
// route handlers and correlation logic. Transport callbacks arrive on
// whatever goroutine the transport runs; they must never touch the route
// table, the pending-request table or the link cache directly. Post is the
// one sanctioned handoff into the loop.
package loop

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Post after Close.
var ErrClosed = errors.New("loop: closed")

// Loop runs queued tasks one at a time on a single dedicated goroutine.
type Loop struct {
	tasks chan func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New creates and starts a loop. buffer bounds the number of queued tasks;
// Post blocks once it is full, which backpressures the transport rather than
// growing without bound.
func New(buffer int) *Loop {
	l := &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for task := range l.tasks {
		task()
	}
}

// Post schedules fn to run on the loop goroutine. Safe to call from any
// goroutine. Tasks already running on the loop must use TryPost for
// follow-ups: Post from inside a task can deadlock on a full queue.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	// Holding the lock across the send keeps Close from closing the
	// channel between the check and the send.
	l.tasks <- fn
	l.mu.Unlock()
	return nil
}

// TryPost schedules fn if the queue has room, otherwise reports false.
func (l *Loop) TryPost(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		return false
	}
}

// PostWait schedules fn and blocks until it has run.
func (l *Loop) PostWait(fn func()) error {
	ran := make(chan struct{})
	err := l.Post(func() {
		defer close(ran)
		fn()
	})
	if err != nil {
		return err
	}
	<-ran
	return nil
}

// Close stops accepting tasks, runs everything already queued, and waits for
// the loop goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.tasks)
	l.mu.Unlock()
	<-l.done
}
