package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"meshrpc/envelope"
	"meshrpc/loop"
	"meshrpc/mesh"
	"meshrpc/shape"
	"meshrpc/wire"
)

const (
	defaultCallTimeout      = 15 * time.Second
	defaultEstablishTimeout = 5 * time.Second
	defaultPathRetries      = 10
	defaultPathInterval     = 250 * time.Millisecond
	defaultLinkCacheSize    = 32
	defaultAnnounceQueue    = 16
)

// Delivery is an unsolicited datagram handed to notification listeners.
type Delivery struct {
	Command string
	Content []byte
	// Decoded holds the generic decoding of Content, nil when the
	// payload was empty or undecodable.
	Decoded any
	From    mesh.Hash
}

// Listener receives unsolicited deliveries in registration order.
type Listener func(Delivery)

type listenerEntry struct {
	id uint64
	fn Listener
}

type pendingRequest struct {
	command string
	ch      chan callResult
}

type callResult struct {
	content []byte
	err     error
}

// Client issues commands to remote destinations over a mesh transport.
// It keeps one cached link per destination, correlates link-less
// datagram requests by id, and fans incoming announces and
// notifications out to registered listeners.
type Client struct {
	transport mesh.Transport
	identity  *mesh.Identity
	dest      *mesh.Destination
	loop      *loop.Loop
	clk       clock.Clock
	logger    *zap.Logger

	authToken        string
	callTimeout      time.Duration
	establishTimeout time.Duration
	pathRetries      int
	pathInterval     time.Duration
	linkCacheSize    int

	links    *lru.Cache[mesh.Hash, mesh.Link]
	destMu   sync.Mutex
	destLock map[mesh.Hash]*sync.Mutex

	// pending and listeners are only touched on the event loop.
	pending    map[string]*pendingRequest
	listeners  []listenerEntry
	listenerID uint64

	announces *announceQueue

	detach         func()
	removeAnnounce func()
	closed         atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the default nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAuthToken merges the token into every outgoing map payload.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithTimeout sets the default per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithPathDiscovery tunes the polling loop run when no path to a
// destination is known yet.
func WithPathDiscovery(retries int, interval time.Duration) Option {
	return func(c *Client) {
		c.pathRetries = retries
		c.pathInterval = interval
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

// WithLinkCacheSize bounds the number of cached links. The least
// recently used link is closed when the bound is exceeded.
func WithLinkCacheSize(n int) Option {
	return func(c *Client) { c.linkCacheSize = n }
}

// New registers a receive endpoint for the identity under the given
// namespace and aspect and returns a ready client.
func New(transport mesh.Transport, identity *mesh.Identity, namespace, aspect string, opts ...Option) (*Client, error) {
	c := &Client{
		transport:        transport,
		identity:         identity,
		clk:              clock.New(),
		logger:           zap.NewNop(),
		callTimeout:      defaultCallTimeout,
		establishTimeout: defaultEstablishTimeout,
		pathRetries:      defaultPathRetries,
		pathInterval:     defaultPathInterval,
		linkCacheSize:    defaultLinkCacheSize,
		destLock:         make(map[mesh.Hash]*sync.Mutex),
		pending:          make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}

	dest := mesh.NewDestination(identity, mesh.In, mesh.Single, namespace, aspect)
	c.dest = dest
	c.loop = loop.New(128)
	c.announces = newAnnounceQueue(defaultAnnounceQueue)

	links, err := lru.NewWithEvict(c.linkCacheSize, func(_ mesh.Hash, l mesh.Link) {
		l.Close()
	})
	if err != nil {
		c.loop.Close()
		return nil, err
	}
	c.links = links

	detach, err := transport.Register(dest, mesh.Endpoint{
		OnDatagram: c.onDatagram,
	})
	if err != nil {
		c.loop.Close()
		return nil, err
	}
	c.detach = detach
	c.removeAnnounce = transport.AddAnnounceHandler(func(a mesh.Announce) {
		c.announces.push(a)
	})
	return c, nil
}

// Destination returns the client's own receive destination.
func (c *Client) Destination() *mesh.Destination { return c.dest }

// callOptions collects the per-call settings.
type callOptions struct {
	await     bool
	datagram  bool
	timeout   time.Duration
	respShape *shape.Shape
	normalise bool
}

// CallOption adjusts a single SendCommand invocation.
type CallOption func(*callOptions)

// NoResponse sends without waiting for a reply.
func NoResponse() CallOption {
	return func(o *callOptions) { o.await = false }
}

// Datagram bypasses link establishment and sends a correlated
// datagram instead.
func Datagram() CallOption {
	return func(o *callOptions) { o.datagram = true }
}

// CallTimeout overrides the client's default deadline for one call.
func CallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// ResponseShape converts the reply payload into the given shape.
func ResponseShape(s *shape.Shape) CallOption {
	return func(o *callOptions) { o.respShape = s }
}

// Normalise flattens the converted reply into plain JSON-safe values.
func Normalise() CallOption {
	return func(o *callOptions) { o.normalise = true }
}

// SendCommand issues command with payload to the destination hash and,
// unless NoResponse is given, blocks for the reply. With a response
// shape the decoded reply is converted before being returned, otherwise
// the raw reply bytes are returned.
func (c *Client) SendCommand(ctx context.Context, dest mesh.Hash, command string, payload any, opts ...CallOption) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	o := callOptions{await: true, timeout: c.callTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	content, err := c.encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %q: %w", command, err)
	}

	var reply []byte
	if o.datagram {
		reply, err = c.sendDatagram(ctx, dest, command, content, o)
	} else {
		reply, err = c.sendOverLink(ctx, dest, command, content, o)
	}
	if err != nil {
		return nil, err
	}
	if !o.await {
		return nil, nil
	}
	return c.decodeReply(reply, o)
}

// encodePayload canonically encodes the payload, merging the auth
// token into map payloads first.
func (c *Client) encodePayload(payload any) ([]byte, error) {
	if payload == nil && c.authToken == "" {
		return nil, nil
	}
	v := shape.Plain(payload)
	if c.authToken != "" {
		m, ok := v.(map[string]any)
		if !ok && v == nil {
			m, ok = map[string]any{}, true
		}
		if ok {
			merged := make(map[string]any, len(m)+1)
			for k, val := range m {
				merged[k] = val
			}
			merged[envelope.AuthField] = c.authToken
			v = merged
		}
	}
	if v == nil {
		return nil, nil
	}
	return wire.Encode(v)
}

func (c *Client) decodeReply(reply []byte, o callOptions) (any, error) {
	if o.respShape == nil {
		return reply, nil
	}
	v, err := shape.DecodePayload(reply, o.respShape)
	if err != nil {
		return nil, err
	}
	if o.normalise {
		return shape.Normalise(v), nil
	}
	return v, nil
}

// sendOverLink resolves a link to the destination and uses the link's
// native request pairing for the reply.
func (c *Client) sendOverLink(ctx context.Context, dest mesh.Hash, command string, content []byte, o callOptions) ([]byte, error) {
	link, err := c.resolveLink(ctx, dest)
	if err != nil {
		return nil, err
	}
	if !o.await {
		env := envelope.Request(command, "", content)
		frame, err := env.Marshal()
		if err != nil {
			return nil, err
		}
		return nil, link.Send(frame)
	}

	ch := make(chan callResult, 1)
	err = link.Request(command, content,
		func(data []byte) { ch <- callResult{content: data} },
		func(err error) { ch <- callResult{err: err} },
		o.timeout)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, mesh.ErrRequestTimedOut) {
				return nil, fmt.Errorf("%w: command %q to %s", ErrTimeout, command, dest)
			}
			return nil, res.err
		}
		return res.content, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendDatagram delivers the command as a raw datagram and, when a
// reply is awaited, correlates it through the pending table by uuid.
func (c *Client) sendDatagram(ctx context.Context, dest mesh.Hash, command string, content []byte, o callOptions) ([]byte, error) {
	corr := ""
	var ch chan callResult
	if o.await {
		corr = uuid.NewString()
		ch = make(chan callResult, 1)
		entry := &pendingRequest{command: command, ch: ch}
		if err := c.loop.PostWait(func() { c.pending[corr] = entry }); err != nil {
			return nil, ErrClosed
		}
	}
	env := envelope.Request(command, corr, content)
	frame, err := env.Marshal()
	if err != nil {
		c.forgetPending(corr)
		return nil, err
	}
	if err := c.transport.Deliver(dest, c.dest.Hash(), frame); err != nil {
		c.forgetPending(corr)
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, dest, err)
	}
	if !o.await {
		return nil, nil
	}

	timer := c.clk.Timer(o.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.content, res.err
	case <-timer.C:
		c.forgetPending(corr)
		return nil, fmt.Errorf("%w: command %q to %s", ErrTimeout, command, dest)
	case <-ctx.Done():
		c.forgetPending(corr)
		return nil, ctx.Err()
	}
}

func (c *Client) forgetPending(corr string) {
	if corr == "" {
		return
	}
	c.loop.Post(func() { delete(c.pending, corr) })
}

// PendingRequests reports the number of outstanding correlated
// datagram requests.
func (c *Client) PendingRequests() int {
	var n int
	c.loop.PostWait(func() { n = len(c.pending) })
	return n
}

// onDatagram runs on a transport goroutine. Correlated responses
// resolve their pending entry, everything else fans out to listeners.
func (c *Client) onDatagram(data []byte, from mesh.Hash) {
	env, err := envelope.Unmarshal(data)
	if err != nil {
		c.logger.Debug("client dropped malformed datagram", zap.String("from", from.String()), zap.Error(err))
		return
	}
	posted := c.loop.TryPost(func() {
		if env.CorrelationID != "" {
			if p, ok := c.pending[env.CorrelationID]; ok && env.IsResponse() {
				delete(c.pending, env.CorrelationID)
				p.ch <- callResult{content: env.Content}
				return
			}
		}
		c.notify(env, from)
	})
	if !posted {
		c.logger.Warn("event loop saturated, delivery dropped",
			zap.String("title", env.Title), zap.Stringer("from", from))
	}
}

func (c *Client) notify(env *envelope.Envelope, from mesh.Hash) {
	var decoded any
	if len(env.Content) > 0 {
		if v, err := shape.DecodePayload(env.Content, nil); err == nil {
			decoded = v
		}
	}
	d := Delivery{Command: env.Command(), Content: env.Content, Decoded: decoded, From: from}
	for _, entry := range c.listeners {
		c.invokeListener(entry, d)
	}
}

// invokeListener isolates listener panics so one bad callback does not
// starve the rest.
func (c *Client) invokeListener(entry listenerEntry, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification listener panicked", zap.Uint64("listener", entry.id), zap.Any("panic", r))
		}
	}()
	entry.fn(d)
}

// AddNotificationListener registers a callback for unsolicited
// deliveries and returns a function that removes it again.
func (c *Client) AddNotificationListener(fn Listener) func() {
	var id uint64
	c.loop.PostWait(func() {
		c.listenerID++
		id = c.listenerID
		c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	})
	return func() {
		c.loop.PostWait(func() {
			for i, entry := range c.listeners {
				if entry.id == id {
					c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// WaitForAnnounce blocks until an observed announce satisfies the
// filter or the context expires. A nil filter matches any announce.
func (c *Client) WaitForAnnounce(ctx context.Context, filter func(mesh.Announce) bool) (mesh.Announce, error) {
	return c.announces.wait(ctx, filter)
}

// Close releases the endpoint, announce handler, cached links and the
// event loop. It is safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.removeAnnounce != nil {
		c.removeAnnounce()
	}
	if c.detach != nil {
		c.detach()
	}
	c.announces.close()
	c.links.Purge()
	c.loop.Close()
	return nil
}
