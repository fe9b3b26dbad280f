package middleware

import (
	"context"

	"go.uber.org/zap"
)

// Recovery converts a handler panic into a silent drop. The dispatcher must
// stay alive no matter what a route handler does; no exception may cross
// into the transport callback.
func Recovery(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, in *Inbound) (out *Outbound) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.String("command", in.Command),
						zap.Stringer("from", in.From),
						zap.Any("panic", r))
					out = nil
				}
			}()
			return next(ctx, in)
		}
	}
}
