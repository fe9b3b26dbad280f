package server

import (
	"context"

	"go.uber.org/zap"

	"meshrpc/envelope"
	"meshrpc/middleware"
	"meshrpc/shape"
	"meshrpc/wire"
)

// dispatch is the business end of the middleware chain. It always runs on
// the event loop, so the route table needs no locking. Every failure path
// returns nil: log, drop, no reply.
func (r *Router) dispatch(ctx context.Context, in *middleware.Inbound) *middleware.Outbound {
	rt, known := r.routes[in.Command]
	if !known {
		r.drop(in, "unknown command")
		return nil
	}

	if len(in.Payload) > r.maxPayload {
		r.drop(in, "payload exceeds maximum", zap.Int("size", len(in.Payload)))
		return nil
	}

	// Decoded: generic value first; schema and auth inspect the raw
	// structure before any coercion commits.
	generic, err := shape.DecodePayload(in.Payload, nil)
	if err != nil {
		r.drop(in, "payload decode failed", zap.Error(err))
		return nil
	}

	// Validated.
	if rt.schema != nil {
		if err := rt.schema.Validate(generic); err != nil {
			r.drop(in, "schema validation failed", zap.Error(err))
			return nil
		}
	}

	// Authorized. Enforced only on mapping payloads; the reserved field is
	// stripped so shapes and handlers never see it.
	if r.authToken != "" {
		if m, isMap := generic.(map[string]any); isMap {
			tok, _ := m[envelope.AuthField].(string)
			if tok != r.authToken {
				r.drop(in, "auth token mismatch")
				return nil
			}
			delete(m, envelope.AuthField)
		}
	}

	payload := generic
	if rt.requestShape != nil {
		if len(in.Payload) == 0 {
			payload, err = shape.DecodePayload(nil, rt.requestShape)
		} else {
			payload, err = shape.Convert(rt.requestShape, generic)
		}
		if err != nil {
			r.drop(in, "payload conversion failed", zap.Error(err))
			return nil
		}
	}

	// Dispatched.
	result, err := rt.handler(ctx, &Request{
		Command: in.Command,
		Payload: payload,
		Raw:     in.Payload,
		From:    in.From,
	})
	if err != nil {
		r.drop(in, "handler failed", zap.Error(err))
		return nil
	}
	if result == nil {
		return nil
	}

	// Responded.
	content, err := wire.Encode(shape.Plain(result))
	if err != nil {
		r.logger.Error("result not encodable",
			zap.String("command", in.Command), zap.Error(err))
		return nil
	}
	return &middleware.Outbound{Content: content}
}

func (r *Router) drop(in *middleware.Inbound, reason string, extra ...zap.Field) {
	fields := []zap.Field{
		zap.String("command", in.Command),
		zap.Stringer("from", in.From),
		zap.String("reason", reason),
	}
	r.logger.Warn("envelope dropped", append(fields, extra...)...)
}
