package middleware

import (
	"context"
	"time"

	"comms-ccf/message"
)

// TimeOutMiddleware gives calls without a deadline one of timeout. A deadline
// already set by the caller wins.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Reply, error) {
			if _, ok := ctx.Deadline(); ok {
				return next(ctx, call)
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, call)
		}
	}
}
