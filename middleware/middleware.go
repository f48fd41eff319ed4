package middleware

import (
	"context"

	"comms-ccf/message"
)

// Invoker performs one RPC round trip. The client's innermost Invoker sends
// the request and waits for the matching response.
type Invoker func(ctx context.Context, call *message.Call) (*message.Reply, error)

type Middleware func(next Invoker) Invoker

// Chain 将多个中间件组合成一个中间件，第一个位于最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
