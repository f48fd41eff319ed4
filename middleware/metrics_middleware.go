package middleware

import (
	"context"
	"time"

	"comms-ccf/message"
	"comms-ccf/metrics"
)

// MetricsMiddleware counts calls and observes their round trip time.
func MetricsMiddleware() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Reply, error) {
			start := time.Now()
			reply, err := next(ctx, call)
			metrics.RecordCall(call.Name, time.Since(start), err == nil)
			return reply, err
		}
	}
}
