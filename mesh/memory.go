package mesh

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process mesh used by tests and examples. Deliveries and
// link callbacks run on fresh goroutines, mirroring a real transport whose
// callbacks arrive outside any event loop. Path discovery is asynchronous:
// a destination becomes reachable only after RequestPath, following a
// configurable delay.
type Memory struct {
	mu        sync.Mutex
	endpoints map[Hash]*memEndpoint
	paths     map[Hash]bool
	links     map[Hash][]*memLink // open links keyed by remote
	announces map[int]func(Announce)
	nextSub   int

	pathDelay      time.Duration
	establishDelay time.Duration
}

type memEndpoint struct {
	dest *Destination
	ep   Endpoint
}

// MemoryOption configures the in-process mesh.
type MemoryOption func(*Memory)

// WithPathDelay sets how long RequestPath takes to discover a route.
func WithPathDelay(d time.Duration) MemoryOption {
	return func(m *Memory) { m.pathDelay = d }
}

// WithEstablishDelay sets how long link establishment takes.
func WithEstablishDelay(d time.Duration) MemoryOption {
	return func(m *Memory) { m.establishDelay = d }
}

// NewMemory creates an empty in-process mesh.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		endpoints:      make(map[Hash]*memEndpoint),
		paths:          make(map[Hash]bool),
		links:          make(map[Hash][]*memLink),
		announces:      make(map[int]func(Announce)),
		pathDelay:      time.Millisecond,
		establishDelay: time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register attaches an endpoint for dest.
func (m *Memory) Register(dest *Destination, ep Endpoint) (func(), error) {
	h := dest.Hash()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.endpoints[h]; exists {
		return nil, fmt.Errorf("mesh: destination %s already registered", h)
	}
	m.endpoints[h] = &memEndpoint{dest: dest, ep: ep}
	return func() { m.detach(h) }, nil
}

func (m *Memory) detach(h Hash) {
	m.mu.Lock()
	delete(m.endpoints, h)
	delete(m.paths, h)
	open := m.links[h]
	delete(m.links, h)
	m.mu.Unlock()
	for _, l := range open {
		l.peerClose()
	}
}

// HasPath reports whether a route to dest has been discovered.
func (m *Memory) HasPath(dest Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paths[dest]
}

// RequestPath starts route discovery for dest. The path becomes known after
// the configured delay, provided the destination exists at all.
func (m *Memory) RequestPath(dest Hash) {
	time.AfterFunc(m.pathDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, exists := m.endpoints[dest]; exists {
			m.paths[dest] = true
		}
	})
}

// NewLink opens a link toward remote.
func (m *Memory) NewLink(local, remote Hash, established func(Link), closed func(Link)) (Link, error) {
	m.mu.Lock()
	target, exists := m.endpoints[remote]
	if !exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoPath, remote)
	}
	l := &memLink{
		mesh:        m,
		local:       local,
		remote:      remote,
		target:      target,
		established: established,
		closed:      closed,
	}
	l.state.Store(int32(LinkPending))
	m.links[remote] = append(m.links[remote], l)
	m.mu.Unlock()

	time.AfterFunc(m.establishDelay, func() {
		if l.state.CompareAndSwap(int32(LinkPending), int32(LinkEstablished)) {
			if l.established != nil {
				l.established(l)
			}
		}
	})
	return l, nil
}

// Deliver sends a link-less datagram to the destination's endpoint.
func (m *Memory) Deliver(to, from Hash, data []byte) error {
	m.mu.Lock()
	target, exists := m.endpoints[to]
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoPath, to)
	}
	if target.ep.OnDatagram == nil {
		return nil
	}
	// Copy so the sender can reuse its buffer.
	buf := append([]byte(nil), data...)
	go target.ep.OnDatagram(buf, from)
	return nil
}

// Announce broadcasts the destination's presence to every subscriber.
func (m *Memory) Announce(dest *Destination, appData []byte) error {
	a := Announce{
		DestHash: dest.Hash(),
		AppData:  append([]byte(nil), appData...),
		At:       time.Now(),
	}
	if dest.Identity != nil {
		a.PublicKey = dest.Identity.PublicKey()
	}
	m.mu.Lock()
	subs := make([]func(Announce), 0, len(m.announces))
	for _, fn := range m.announces {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		go fn(a)
	}
	return nil
}

// AddAnnounceHandler subscribes to announces.
func (m *Memory) AddAnnounceHandler(fn func(Announce)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.announces[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.announces, id)
		m.mu.Unlock()
	}
}

// ClosePeerLinks closes every open link toward remote as if the peer had
// torn them down.
func (m *Memory) ClosePeerLinks(remote Hash) {
	m.mu.Lock()
	open := m.links[remote]
	delete(m.links, remote)
	m.mu.Unlock()
	for _, l := range open {
		l.peerClose()
	}
}

func (m *Memory) dropLink(l *memLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := m.links[l.remote]
	for i, other := range open {
		if other == l {
			m.links[l.remote] = append(open[:i], open[i+1:]...)
			return
		}
	}
}

// memLink is the initiator's handle of an in-process link.
type memLink struct {
	mesh        *Memory
	local       Hash
	remote      Hash
	target      *memEndpoint
	state       atomic.Int32
	established func(Link)
	closed      func(Link)
	closeOnce   sync.Once
}

func (l *memLink) Remote() Hash { return l.remote }

func (l *memLink) State() LinkState { return LinkState(l.state.Load()) }

func (l *memLink) Request(path string, data []byte, onResponse func([]byte), onFailed func(error), timeout time.Duration) error {
	switch l.State() {
	case LinkPending:
		return ErrLinkNotEstablished
	case LinkClosed:
		return ErrLinkClosed
	}
	if l.target.ep.OnLinkRequest == nil {
		return fmt.Errorf("mesh: destination %s accepts no link requests", l.remote)
	}

	// At most one of onResponse/onFailed fires, whichever comes first.
	var done atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		if done.CompareAndSwap(false, true) {
			if onFailed != nil {
				onFailed(ErrRequestTimedOut)
			}
		}
	})
	respond := RequestResponder(func(resp []byte) error {
		if !done.CompareAndSwap(false, true) {
			return ErrRequestTimedOut
		}
		timer.Stop()
		if onResponse != nil {
			buf := append([]byte(nil), resp...)
			go onResponse(buf)
		}
		return nil
	})

	buf := append([]byte(nil), data...)
	go l.target.ep.OnLinkRequest(path, buf, respond)
	return nil
}

func (l *memLink) Send(data []byte) error {
	if l.State() != LinkEstablished {
		return ErrLinkNotEstablished
	}
	if l.target.ep.OnDatagram == nil {
		return nil
	}
	buf := append([]byte(nil), data...)
	go l.target.ep.OnDatagram(buf, l.local)
	return nil
}

func (l *memLink) Close() error {
	l.teardown()
	l.mesh.dropLink(l)
	return nil
}

// peerClose simulates the remote side tearing the link down.
func (l *memLink) peerClose() {
	l.teardown()
}

func (l *memLink) teardown() {
	l.closeOnce.Do(func() {
		l.state.Store(int32(LinkClosed))
		if l.closed != nil {
			go l.closed(l)
		}
	})
}
