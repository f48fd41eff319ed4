package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"comms-ccf/logx"
	"comms-ccf/metrics"
	"comms-ccf/protocol"
)

// StreamTransport implements Transport over an io.ReadWriter.
type StreamTransport struct {
	stream io.ReadWriter

	sending chan struct{} // Write lock, acquired within the caller's ctx
	broken  error         // Sticky send failure (protected by sending)

	receiving sync.Mutex // Held by the single Recv caller
	rx        chan chunk // Fed by readLoop
	rxBuf     []byte     // Bytes read but not yet consumed (protected by receiving)
	rxErr     error      // Sticky read failure (protected by receiving)
	skipping  bool       // Discarding the rest of an oversized frame

	closeOnce sync.Once
	closed    chan struct{}

	dump    io.Writer
	dumpMu  sync.Mutex
	logger  zerolog.Logger
	metrics bool
}

type chunk struct {
	data []byte
	err  error
}

type Option func(*StreamTransport)

// WithDump mirrors every frame in and out to w as a hex/ASCII dump.
func WithDump(w io.Writer) Option {
	return func(t *StreamTransport) { t.dump = w }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *StreamTransport) { t.logger = logger }
}

// WithMetrics records frame counters in the metrics package.
func WithMetrics() Option {
	return func(t *StreamTransport) { t.metrics = true }
}

// NewStreamTransport wraps stream and starts the read pump. The transport
// owns the stream from now on; Close closes it when it is an io.Closer.
func NewStreamTransport(stream io.ReadWriter, opts ...Option) *StreamTransport {
	t := &StreamTransport{
		stream:  stream,
		sending: make(chan struct{}, 1),
		rx:      make(chan chunk),
		closed:  make(chan struct{}),
		logger:  logx.Component("transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readLoop()
	return t
}

// Send encodes one frame and writes it to the stream.
//
// A frame that cannot be written completely within ctx leaves the stream in
// an unknown state: the transport is marked broken and later sends fail.
func (t *StreamTransport) Send(ctx context.Context, channel byte, payload []byte) error {
	frame := protocol.Encode(channel, payload)
	if len(frame) > protocol.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes encoded, limit %d", protocol.ErrFrameTooLarge, len(frame), protocol.MaxFrameSize)
	}

	if err := t.transmit(ctx, frame); err != nil {
		return err
	}
	if t.metrics {
		metrics.RecordFrame(metrics.TX, channel, len(frame))
	}
	return nil
}

// WriteRaw writes data to the stream unframed, under the same lock and
// failure rules as Send. Embedded peers report failed requests this way, as
// a bare text line and a delimiter, which receivers see as a corrupt frame.
func (t *StreamTransport) WriteRaw(ctx context.Context, data []byte) error {
	return t.transmit(ctx, data)
}

func (t *StreamTransport) transmit(ctx context.Context, data []byte) error {
	select {
	case t.sending <- struct{}{}:
	case <-ctx.Done():
		return ctxErr(ctx)
	case <-t.closed:
		return ErrConnectionClosed
	}
	defer func() { <-t.sending }()

	select {
	case <-t.closed:
		return ErrConnectionClosed
	default:
	}
	if t.broken != nil {
		return t.broken
	}

	if ctx.Err() != nil {
		return ctxErr(ctx)
	}

	t.dumpFrame("TX: ", data)

	// 0: not started, 1: writing, 2: abandoned before the write began
	var state atomic.Int32
	done := make(chan error, 1)
	go func() {
		if !state.CompareAndSwap(0, 1) {
			done <- nil
			return
		}
		done <- t.write(data)
	}()

	select {
	case err := <-done:
		return t.finish(err)
	case <-ctx.Done():
		select {
		case err := <-done:
			return t.finish(err)
		default:
		}
		err := ctxErr(ctx)
		if state.CompareAndSwap(0, 2) {
			// Nothing reached the stream, the transport is still usable
			return err
		}
		t.broken = fmt.Errorf("%w: frame write interrupted: %w", ErrConnectionClosed, err)
		t.logger.Warn().Err(err).Msg("send did not complete, transport unusable")
		return err
	}
}

func (t *StreamTransport) finish(err error) error {
	if err != nil {
		t.broken = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		return t.broken
	}
	return nil
}

func (t *StreamTransport) write(frame []byte) error {
	if _, err := t.stream.Write(frame); err != nil {
		return err
	}
	if f, ok := t.stream.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Recv returns the next frame. Frame-level errors (protocol.ErrFrameTooLarge,
// ErrFrameDecode, ErrFrameTooSmall, ErrChecksumMismatch) consume the bad
// frame and are returned to the caller, who decides whether they are fatal.
func (t *StreamTransport) Recv(ctx context.Context) (byte, []byte, error) {
	t.receiving.Lock()
	defer t.receiving.Unlock()

	for {
		// Step 1: serve a frame that is already buffered
		if idx := bytes.IndexByte(t.rxBuf, protocol.Delimiter); idx >= 0 {
			raw := t.rxBuf[:idx]
			t.rxBuf = t.rxBuf[idx+1:]
			if t.skipping {
				t.skipping = false
				continue
			}
			if idx == 0 {
				// Consecutive delimiters carry no frame
				continue
			}
			if idx+1 > protocol.MaxFrameSize {
				// Arrived in pieces, each under the buffer bound
				if t.metrics {
					metrics.RecordFrameError("too_large")
				}
				return 0, nil, fmt.Errorf("%w: %d bytes, limit %d", protocol.ErrFrameTooLarge, idx+1, protocol.MaxFrameSize)
			}
			return t.decode(raw)
		}

		// Step 2: bound the buffer while no delimiter has been seen
		if t.skipping {
			t.rxBuf = t.rxBuf[:0]
		} else if len(t.rxBuf) >= protocol.MaxFrameSize {
			t.rxBuf = t.rxBuf[:0]
			t.skipping = true
			if t.metrics {
				metrics.RecordFrameError("too_large")
			}
			return 0, nil, fmt.Errorf("%w: %d+ bytes without delimiter", protocol.ErrFrameTooLarge, protocol.MaxFrameSize)
		}
		if t.rxErr != nil {
			return 0, nil, t.rxErr
		}

		// Step 3: wait for more bytes
		select {
		case c := <-t.rx:
			if c.err != nil {
				t.rxErr = fmt.Errorf("%w: %w", ErrConnectionClosed, c.err)
				continue
			}
			t.rxBuf = append(t.rxBuf, c.data...)
		case <-ctx.Done():
			return 0, nil, ctxErr(ctx)
		case <-t.closed:
			return 0, nil, ErrConnectionClosed
		}
	}
}

func (t *StreamTransport) decode(raw []byte) (byte, []byte, error) {
	if t.dump != nil {
		t.dumpFrame("RX: ", append(append([]byte(nil), raw...), protocol.Delimiter))
	}
	channel, payload, err := protocol.Decode(raw)
	if err != nil {
		if t.metrics {
			metrics.RecordFrameError(errorReason(err))
		}
		return 0, nil, err
	}
	if t.metrics {
		metrics.RecordFrame(metrics.RX, channel, len(raw)+1)
	}
	return channel, payload, nil
}

// readLoop is the only reader of the stream. It exits after the first read
// error or when the transport is closed.
func (t *StreamTransport) readLoop() {
	for {
		buf := make([]byte, protocol.MaxFrameSize)
		n, err := t.stream.Read(buf)
		if n > 0 {
			select {
			case t.rx <- chunk{data: buf[:n]}:
			case <-t.closed:
				return
			}
		}
		if err != nil {
			select {
			case t.rx <- chunk{err: err}:
			case <-t.closed:
			}
			return
		}
	}
}

// Close stops the transport and closes the stream if it can be closed.
// Blocked Send and Recv calls return ErrConnectionClosed.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if c, ok := t.stream.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (t *StreamTransport) dumpFrame(prefix string, frame []byte) {
	if t.dump == nil {
		return
	}
	t.dumpMu.Lock()
	defer t.dumpMu.Unlock()
	_, _ = io.WriteString(t.dump, Hexdump(frame, prefix))
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, protocol.ErrFrameTooSmall):
		return "too_small"
	case errors.Is(err, protocol.ErrFrameDecode):
		return "stuffing"
	default:
		return "other"
	}
}

// ReadWriter joins a separate reader and writer, e.g. a subprocess's stdout
// and stdin, into one stream. Close closes both when they are closers.
type ReadWriter struct {
	io.Reader
	io.Writer
}

func (rw ReadWriter) Close() error {
	var first error
	if c, ok := rw.Writer.(io.Closer); ok {
		first = c.Close()
	}
	if c, ok := rw.Reader.(io.Closer); ok {
		if err := c.Close(); first == nil {
			first = err
		}
	}
	return first
}
