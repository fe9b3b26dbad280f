package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logging records every dispatched envelope: command, sender, arrival path,
// duration, and whether it produced a reply or was dropped.
func Logging(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, in *Inbound) *Outbound {
			start := time.Now()
			out := next(ctx, in)
			fields := []zap.Field{
				zap.String("command", in.Command),
				zap.Stringer("from", in.From),
				zap.String("via", in.Via),
				zap.Duration("duration", time.Since(start)),
			}
			if out == nil {
				logger.Debug("dispatch dropped", fields...)
			} else {
				logger.Debug("dispatch responded", append(fields, zap.Int("reply_bytes", len(out.Content)))...)
			}
			return out
		}
	}
}
