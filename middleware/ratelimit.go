package middleware

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimit drops envelopes beyond a token-bucket budget. Dropping is silent
// like every other pre-dispatch failure; the sender's timeout does the rest.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, in *Inbound) *Outbound {
			if !limiter.Allow() {
				return nil
			}
			return next(ctx, in)
		}
	}
}
