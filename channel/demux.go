package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"comms-ccf/logx"
	"comms-ccf/metrics"
	"comms-ccf/protocol"
	"comms-ccf/transport"
)

// Demux fans frames out from one Transport to per-channel inboxes.
type Demux struct {
	transport transport.Transport

	mu       sync.Mutex
	channels map[ID]*entry
	err      error         // Terminal error, set once when Run ends
	done     chan struct{} // Closed when Run ends

	running     atomic.Bool
	recvTimeout time.Duration
	tolerant    bool
	metrics     bool
	logger      zerolog.Logger
}

type Option func(*Demux)

// WithRecvTimeout sets how long each Transport.Recv attempt waits before the
// loop retries. Expiry is not an error.
func WithRecvTimeout(d time.Duration) Option {
	return func(m *Demux) { m.recvTimeout = d }
}

// WithCorruptFrameTolerance makes framing and checksum errors non-fatal: the
// bad frame is logged and skipped. By default they end the loop.
func WithCorruptFrameTolerance() Option {
	return func(m *Demux) { m.tolerant = true }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Demux) { m.logger = logger }
}

func WithMetrics() Option {
	return func(m *Demux) { m.metrics = true }
}

func New(t transport.Transport, opts ...Option) *Demux {
	m := &Demux{
		transport:   t,
		channels:    make(map[ID]*entry),
		done:        make(chan struct{}),
		recvTimeout: time.Second,
		logger:      logx.Component("channel"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenChannel registers an inbox for id holding up to capacity payloads.
// Opening an open channel is a no-op. Opening a channel that was closed
// after a drop fails with ErrChannelClosed.
func (m *Demux) OpenChannel(id ID, capacity int) error {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.lookup(id).state {
	case open:
		return nil
	case closedAfterDrop:
		return fmt.Errorf("%w: %s", ErrChannelClosed, id)
	}

	inbox := make(chan []byte, capacity)
	if m.isDone() {
		// Run already ended: the inbox reports the terminal error at once
		close(inbox)
	}
	m.channels[id] = &entry{state: open, inbox: inbox}
	return nil
}

// Run reads frames until the transport fails or ctx is cancelled. It returns
// the terminal error, which also wraps transport.ErrConnectionClosed.
func (m *Demux) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var err error
	for {
		var (
			id      ID
			payload []byte
		)
		id, payload, err = m.recv(ctx)
		if err != nil {
			if ctx.Err() == nil && transport.IsTimeout(err) {
				continue
			}
			if ctx.Err() == nil && m.tolerant && protocol.IsFraming(err) {
				m.logger.Warn().Err(err).Msg("skipping corrupt frame")
				continue
			}
			break
		}
		if !m.route(ctx, id, payload) {
			err = ctx.Err()
			break
		}
	}

	m.shutdown(err)
	return m.Err()
}

func (m *Demux) recv(ctx context.Context) (ID, []byte, error) {
	recvCtx, cancel := context.WithTimeout(ctx, m.recvTimeout)
	defer cancel()
	id, payload, err := m.transport.Recv(recvCtx)
	return ID(id), payload, err
}

var unopenedEntry = &entry{state: unopened}

// lookup returns the entry for id, or one in the unopened state if id was
// never seen. mu must be held.
func (m *Demux) lookup(id ID) *entry {
	if e, ok := m.channels[id]; ok {
		return e
	}
	return unopenedEntry
}

// route delivers one payload. It reports false if ctx ended while the inbox
// was full.
func (m *Demux) route(ctx context.Context, id ID, payload []byte) bool {
	m.mu.Lock()
	e := m.lookup(id)
	first := e.state == unopened
	if first {
		m.channels[id] = &entry{state: closedAfterDrop}
	}
	m.mu.Unlock()

	if first {
		m.logger.Warn().
			Stringer("channel", id).
			Hex("payload", payload).
			Msg("dropping data on unopened channel; future messages ignored")
		if m.metrics {
			metrics.RecordDropped(byte(id))
		}
		return true
	}
	if e.state != open {
		if m.metrics {
			metrics.RecordDropped(byte(id))
		}
		return true
	}

	// Only Run sends on inboxes, and only Run closes them, so this send
	// cannot race with close.
	select {
	case e.inbox <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}

// shutdown records the terminal error and closes every inbox.
func (m *Demux) shutdown(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case cause == nil:
		m.err = transport.ErrConnectionClosed
	case errors.Is(cause, transport.ErrConnectionClosed):
		m.err = cause
	default:
		m.err = fmt.Errorf("%w: %w", transport.ErrConnectionClosed, cause)
	}
	for _, e := range m.channels {
		if e.state == open {
			close(e.inbox)
		}
	}
	close(m.done)
	m.logger.Debug().Err(m.err).Msg("demultiplexer stopped")
}

// Send writes payload on channel id. The channel needs no inbox.
func (m *Demux) Send(ctx context.Context, id ID, payload []byte) error {
	return m.transport.Send(ctx, byte(id), payload)
}

// Recv returns the oldest queued payload for id. It fails with
// transport.ErrTimeout when ctx expires (the queue is left untouched), with
// the terminal error once Run has ended and the queue is drained, and with
// ErrChannelNotOpen for channels never opened.
func (m *Demux) Recv(ctx context.Context, id ID) ([]byte, error) {
	m.mu.Lock()
	e := m.lookup(id)
	m.mu.Unlock()

	switch e.state {
	case unopened:
		return nil, fmt.Errorf("%w: %s (call OpenChannel first)", ErrChannelNotOpen, id)
	case closedAfterDrop:
		return nil, fmt.Errorf("%w: %s", ErrChannelClosed, id)
	}

	select {
	case payload, ok := <-e.inbox:
		if !ok {
			return nil, m.Err()
		}
		return payload, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", transport.ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Err returns the terminal error, or nil while Run is still going.
func (m *Demux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed when Run has ended.
func (m *Demux) Done() <-chan struct{} {
	return m.done
}

func (m *Demux) isDone() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}
