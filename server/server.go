// Package server implements the command router: the service side of the
// framework. It owns the route table, decodes and validates inbound
// envelopes, and dispatches handlers on the single cooperative event loop.
//
// Dispatch pipeline per inbound envelope:
//
//	Received → Decoded → Validated → Authorized → Dispatched → Responded
//
// Any step may fail, and every failure ends the same way: the envelope is
// logged and dropped with no reply. The transport is store-and-forward with
// no sender accountability, so negative acknowledgements would be worthless;
// clients rely on their own timeouts.
package server

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"meshrpc/envelope"
	"meshrpc/loop"
	"meshrpc/mesh"
	"meshrpc/middleware"
	"meshrpc/registry"
	"meshrpc/shape"
)

// SchemaCommand is the built-in introspection route.
const SchemaCommand = "GetSchema"

// Request is what a route handler receives.
type Request struct {
	Command string
	// Payload is the converted value when the route declares a request
	// shape, otherwise the decoded generic value.
	Payload any
	// Raw is the payload exactly as it arrived.
	Raw []byte
	// From is the sender's address. Zero for link-carried requests, whose
	// reply path is the link itself.
	From mesh.Hash
}

// Handler runs on the router's event loop. Returning a nil result sends no
// reply; a non-nil result is serialized to canonical bytes and returned
// under "<command>_response". An error (or panic) is logged and produces no
// reply.
type Handler func(ctx context.Context, req *Request) (any, error)

type route struct {
	command      string
	handler      Handler
	requestShape *shape.Shape
	schema       *shape.Schema
}

// RouteOption declares optional metadata on a route.
type RouteOption func(*route)

// WithRequestShape declares the typed request form; payloads are converted
// into it before the handler runs.
func WithRequestShape(s *shape.Shape) RouteOption {
	return func(r *route) { r.requestShape = s }
}

// WithSchema declares a structural schema checked before type conversion.
func WithSchema(s *shape.Schema) RouteOption {
	return func(r *route) { r.schema = s }
}

// Router exposes named commands on a mesh destination.
type Router struct {
	transport mesh.Transport
	identity  *mesh.Identity
	dest      *mesh.Destination
	loop      *loop.Loop
	logger    *zap.Logger

	routes      map[string]*route
	middlewares []middleware.Middleware
	chain       middleware.Handler

	maxPayload int
	authToken  string

	reg         registry.Registry
	serviceName string
	registryTTL int64

	detach  func()
	serving atomic.Bool
	closed  atomic.Bool
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMaxPayload bounds accepted payload sizes. Oversize payloads are
// dropped before decoding.
func WithMaxPayload(n int) Option {
	return func(r *Router) { r.maxPayload = n }
}

// WithAuthToken requires mapping payloads to carry the token under the
// reserved field. Non-matching envelopes are dropped.
func WithAuthToken(token string) Option {
	return func(r *Router) { r.authToken = token }
}

// WithRegistry publishes the router's destination to a directory under the
// given service name while it serves.
func WithRegistry(reg registry.Registry, serviceName string, ttl int64) Option {
	return func(r *Router) {
		r.reg = reg
		r.serviceName = serviceName
		r.registryTTL = ttl
	}
}

// New creates a router for an application namespace and aspect. The
// destination is derived from the identity; Serve attaches it to the
// transport.
func New(transport mesh.Transport, identity *mesh.Identity, namespace, aspect string, opts ...Option) *Router {
	r := &Router{
		transport:   transport,
		identity:    identity,
		dest:        mesh.NewDestination(identity, mesh.In, mesh.Single, namespace, aspect),
		loop:        loop.New(128),
		logger:      zap.NewNop(),
		routes:      make(map[string]*route),
		maxPayload:  envelope.DefaultMaxPayload,
		registryTTL: 10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Destination returns the router's receive destination.
func (r *Router) Destination() *mesh.Destination { return r.dest }

// Use appends a middleware. Middlewares run in registration order, inside
// the always-present recovery layer. Must be called before Serve.
func (r *Router) Use(mw middleware.Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// AddRoute registers or overwrites a route. Safe to call while serving; the
// mutation is marshalled onto the event loop.
func (r *Router) AddRoute(command string, h Handler, opts ...RouteOption) {
	rt := &route{command: command, handler: h}
	for _, opt := range opts {
		opt(rt)
	}
	if !r.serving.Load() {
		r.routes[command] = rt
		return
	}
	if err := r.loop.Post(func() { r.routes[command] = rt }); err != nil {
		r.logger.Warn("route not added, router closed", zap.String("command", command))
	}
}

// Serve attaches the router to the transport and announces its destination.
// It returns immediately; dispatch happens on the event loop.
func (r *Router) Serve() error {
	r.AddRoute(SchemaCommand, r.schemaHandler)

	// Recovery sits outermost so neither user middleware nor handlers can
	// break the dispatcher.
	mws := append([]middleware.Middleware{middleware.Recovery(r.logger)}, r.middlewares...)
	r.chain = middleware.Chain(mws...)(r.dispatch)

	detach, err := r.transport.Register(r.dest, mesh.Endpoint{
		OnDatagram:    r.onDatagram,
		OnLinkRequest: r.onLinkRequest,
	})
	if err != nil {
		return err
	}
	r.detach = detach
	r.serving.Store(true)

	if r.reg != nil {
		inst := registry.Instance{
			DestHash:  r.dest.Hash().String(),
			Namespace: r.dest.Namespace,
			Aspect:    r.dest.Aspect,
			Weight:    1,
		}
		if err := r.reg.Register(r.serviceName, inst, r.registryTTL); err != nil {
			r.logger.Warn("registry publication failed", zap.Error(err))
		}
	}

	if err := r.transport.Announce(r.dest, []byte(r.serviceName)); err != nil {
		r.logger.Warn("announce failed", zap.Error(err))
	}
	r.logger.Info("router serving",
		zap.String("destination", r.dest.Hash().String()),
		zap.String("name", r.dest.Name()))
	return nil
}

// Announce re-broadcasts the router's destination with application data.
func (r *Router) Announce(appData []byte) error {
	return r.transport.Announce(r.dest, appData)
}

// Close detaches from the transport, deregisters from the directory, and
// drains the event loop.
func (r *Router) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	if r.reg != nil {
		if err := r.reg.Deregister(r.serviceName, r.dest.Hash().String()); err != nil {
			r.logger.Warn("registry deregistration failed", zap.Error(err))
		}
	}
	if r.detach != nil {
		r.detach()
	}
	r.loop.Close()
}

// onDatagram runs on a transport goroutine. Everything of consequence is
// marshalled onto the event loop; the route table is never touched here.
func (r *Router) onDatagram(data []byte, from mesh.Hash) {
	env, err := envelope.Unmarshal(data)
	if err != nil {
		r.logger.Warn("unparseable frame dropped", zap.Stringer("from", from), zap.Error(err))
		return
	}
	if env.IsResponse() {
		r.logger.Warn("stray response dropped", zap.String("title", env.Title), zap.Stringer("from", from))
		return
	}
	posted := r.loop.TryPost(func() {
		out := r.chain(context.Background(), &middleware.Inbound{
			Command: env.Title,
			Payload: env.Content,
			From:    from,
			Via:     "datagram",
		})
		if out == nil {
			return
		}
		reply := envelope.Response(env, out.Content)
		frame, err := reply.Marshal()
		if err != nil {
			r.logger.Error("reply marshal failed", zap.String("command", env.Title), zap.Error(err))
			return
		}
		if err := r.transport.Deliver(from, r.dest.Hash(), frame); err != nil {
			r.logger.Warn("reply delivery failed", zap.Stringer("to", from), zap.Error(err))
		}
	})
	if !posted {
		r.logger.Warn("event loop saturated, envelope dropped", zap.String("command", env.Title))
	}
}

// onLinkRequest runs on a transport goroutine; the link's own pairing
// carries the reply, so a dropped envelope simply never responds.
func (r *Router) onLinkRequest(path string, data []byte, respond mesh.RequestResponder) {
	posted := r.loop.TryPost(func() {
		out := r.chain(context.Background(), &middleware.Inbound{
			Command: path,
			Payload: data,
			Via:     "link",
		})
		if out == nil {
			return
		}
		if err := respond(out.Content); err != nil {
			r.logger.Warn("link response failed", zap.String("command", path), zap.Error(err))
		}
	})
	if !posted {
		r.logger.Warn("event loop saturated, link request dropped", zap.String("command", path))
	}
}

// runOnLoop executes fn on the event loop and waits. Used by tests and
// introspection helpers that need a consistent view of the route table.
func (r *Router) runOnLoop(fn func()) {
	if err := r.loop.PostWait(fn); err != nil {
		fn()
	}
}
