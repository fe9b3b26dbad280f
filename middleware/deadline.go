package middleware

import (
	"context"
	"time"
)

// Deadline bounds handler execution time through the context. Handlers that
// respect ctx.Done() stop early; the envelope is then dropped silently.
func Deadline(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, in *Inbound) *Outbound {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, in)
		}
	}
}
