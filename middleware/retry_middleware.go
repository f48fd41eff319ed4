package middleware

import (
	"context"
	"time"

	"comms-ccf/logx"
	"comms-ccf/message"
	"comms-ccf/transport"
)

// RetryMiddleware repeats calls that timed out, up to maxRetries more times,
// sleeping baseDelay, 2*baseDelay, ... in between. Any other error, and the
// expiry of the caller's own ctx, ends the retries.
//
// Each attempt uses a fresh sequence number, so a late response to an
// earlier attempt is discarded as stale.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Reply, error) {
			reply, err := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !transport.IsTimeout(err) || ctx.Err() != nil {
					return reply, err
				}
				logx.Log.Debug().
					Str("function", call.Name).
					Int("attempt", i+1).
					Err(err).
					Msg("retrying call")

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // Exponential backoff
				case <-ctx.Done():
					return nil, err
				}
				reply, err = next(ctx, call)
			}
			return reply, err
		}
	}
}
