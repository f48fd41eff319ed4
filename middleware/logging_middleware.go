package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"comms-ccf/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (*message.Reply, error) {
			start := time.Now()
			reply, err := next(ctx, call)
			duration := time.Since(start)

			if err != nil {
				logger.Warn().
					Str("function", call.Name).
					Uint8("index", call.Function).
					Dur("duration", duration).
					Err(err).
					Msg("call failed")
				return reply, err
			}
			logger.Debug().
				Str("function", call.Name).
				Uint8("index", call.Function).
				Uint8("seq", reply.Sequence).
				Int("result_bytes", len(reply.Raw)).
				Dur("duration", duration).
				Msg("call")
			return reply, nil
		}
	}
}
