// Package notify fans unsolicited deliveries out to local subscribers.
// Each subscriber owns a small bounded queue drained by its own
// goroutine, so one slow consumer only ever loses its own oldest
// events.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"meshrpc/client"
	"meshrpc/mesh"
	"meshrpc/shape"
)

const defaultQueueSize = 32

// Event is one delivery as seen by subscribers.
type Event struct {
	Command string
	From    mesh.Hash
	// Value is the normalised decoding of the payload, nil when the
	// delivery carried none.
	Value any
	Raw   []byte
}

// Subscriber consumes events on a dedicated goroutine.
type Subscriber func(Event)

// Hub broadcasts incoming deliveries to every subscriber.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	queueSize int
	logger    *zap.Logger
	detach    func()
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithQueueSize bounds each subscriber's queue. When full, the oldest
// queued event is dropped.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) { h.queueSize = n }
}

// WithLogger replaces the default nop logger.
func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub returns an empty hub. Feed it with Broadcast or Attach.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:      make(map[uint64]*subscription),
		queueSize: defaultQueueSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach registers the hub as a notification listener on the client.
// Detaching happens on Close.
func (h *Hub) Attach(c *client.Client) {
	h.detach = c.AddNotificationListener(func(d client.Delivery) {
		h.Broadcast(d.Command, d.From, d.Decoded, d.Content)
	})
}

// Broadcast delivers one event to every current subscriber. The payload
// is normalised once, not per subscriber, and the subscriber set lock
// is released before any queue is touched.
func (h *Hub) Broadcast(command string, from mesh.Hash, decoded any, raw []byte) {
	ev := Event{Command: command, From: from, Raw: raw}
	if decoded != nil {
		ev.Value = shape.Normalise(decoded)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	targets := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if dropped := s.push(ev); dropped {
			h.logger.Debug("subscriber queue full, dropped oldest event",
				zap.String("command", command))
		}
	}
}

// Subscribe registers fn and returns a function that unsubscribes it
// and stops its drain goroutine.
func (h *Hub) Subscribe(fn Subscriber) func() {
	s := &subscription{
		fn:     fn,
		max:    h.queueSize,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: h.logger,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = s
	h.mu.Unlock()

	go s.drain()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			s.stop()
		})
	}
}

// Close detaches from the client and stops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*subscription)
	h.mu.Unlock()

	if h.detach != nil {
		h.detach()
	}
	for _, s := range subs {
		s.stop()
	}
}

type subscription struct {
	fn     Subscriber
	max    int
	logger *zap.Logger

	mu    sync.Mutex
	queue []Event

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// push appends the event, discarding the oldest entry when the queue
// is at capacity. It reports whether anything was dropped.
func (s *subscription) push(ev Event) bool {
	s.mu.Lock()
	dropped := false
	if len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return dropped
}

func (s *subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscription) drain() {
	for {
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			s.invoke(ev)
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// invoke isolates subscriber panics from the drain loop.
func (s *subscription) invoke(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", zap.Any("panic", r))
		}
	}()
	s.fn(ev)
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
