// Package middleware provides the envelope-processing chain wrapped around
// route dispatch. A middleware may short-circuit by returning nil, which the
// router treats as a silent drop: the envelope is discarded, nothing answers
// the sender.
package middleware

import (
	"context"

	"meshrpc/mesh"
)

// Inbound is one delivered envelope on its way to a route handler.
type Inbound struct {
	Command string
	Payload []byte
	From    mesh.Hash
	// Via names the arrival path, "link" or "datagram".
	Via string
}

// Outbound carries the serialized reply content. A nil *Outbound means no
// reply; an Outbound with empty Content means "reply with an empty payload".
type Outbound struct {
	Content []byte
}

// Handler processes one inbound envelope.
type Handler func(ctx context.Context, in *Inbound) *Outbound

// Middleware wraps a handler with additional behavior.
type Middleware func(next Handler) Handler

// Chain combines middlewares into one, onion style: the first middleware is
// the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
