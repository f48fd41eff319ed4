package middleware

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"comms-ccf/message"
	"comms-ccf/transport"
)

// RateLimitMiddleware paces calls with a token bucket of r calls per second
// and the given burst. A call waits for its token within ctx; if ctx cannot
// accommodate the wait it fails with transport.ErrTimeout without being sent.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Reply, error) {
			if err := limiter.Wait(ctx); err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w: rate limited: %w", transport.ErrTimeout, err)
			}
			return next(ctx, call)
		}
	}
}
