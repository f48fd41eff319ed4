// Package transport turns a duplex byte stream into discrete frames.
//
// StreamTransport works over any io.ReadWriter: a TCP connection, a serial
// port, the stdio pipes of a subprocess or a debug probe's terminal. A
// single pump goroutine owns reads from the stream and hands chunks to Recv,
// so a Recv that times out leaves the partially received frame buffered for
// the next call:
//
//	stream ──Read──→ readLoop ──chunk──→ Recv: rxBuf … 0x00 → protocol.Decode
//	Send ──Encode──→ sending lock ──Write+Flush──→ stream
//
// Writers are serialized; a frame is written whole or the transport is
// marked broken.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single Send or Recv when the caller has no better
// deadline.
const DefaultTimeout = 500 * time.Millisecond

var (
	ErrTimeout          = errors.New("transport: timeout")
	ErrConnectionClosed = errors.New("transport: connection closed")
)

// Transport carries frames between the host and the peer.
type Transport interface {
	// Send encodes and writes one frame. The whole write completes within
	// ctx or fails.
	Send(ctx context.Context, channel byte, payload []byte) error
	// Recv returns the next frame's channel and payload.
	Recv(ctx context.Context) (byte, []byte, error)
	Close() error
}

// ctxErr maps a finished context to the transport error taxonomy: an
// expired deadline is ErrTimeout, cancellation is passed through.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// IsTimeout reports whether err is a recoverable, operation-scoped timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
