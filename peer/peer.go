// Package peer simulates the embedded side of the link: a function table
// served over the RPC channel and a log emitter on the Log channel.
//
// It runs the same frame format as a board, so the host stack can be
// developed and tested without hardware:
//
//	Accept conn → ServeConn (one goroutine per connection)
//	  → Transport.Recv → RPC frame → function table (reflect.Call) → Transport.Send
//	  → corrupt frame or failed call → bare error line, as boards do
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"comms-ccf/channel"
	"comms-ccf/codec"
	"comms-ccf/logx"
	"comms-ccf/message"
	"comms-ccf/protocol"
	"comms-ccf/registry"
	"comms-ccf/targetlog"
	"comms-ccf/transport"
)

// Error lines written unframed in place of a response.
var (
	badRequest = []byte("Bad RPC!\n\x00")
	callFailed = []byte("RPC failed\n\x00")
)

var (
	ErrDuplicateFunction = errors.New("peer: function already registered")
	ErrSchemaTooLarge    = errors.New("peer: schema reply does not fit in one frame")
)

type Peer struct {
	mu        sync.RWMutex
	functions []*function // Index i is RPC function i+1
	codec     codec.Codec

	connsMu sync.Mutex
	conns   map[*transport.StreamTransport]struct{}

	listenerMu sync.Mutex
	listener   net.Listener
	wg         sync.WaitGroup // Tracks served connections
	shutdown   atomic.Bool

	registry registry.Registry
	target   string
	instance registry.TargetInstance

	dump   io.Writer
	logger zerolog.Logger
}

type Option func(*Peer)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Peer) { p.logger = logger }
}

// WithDump mirrors the frames of every connection to w.
func WithDump(w io.Writer) Option {
	return func(p *Peer) { p.dump = w }
}

// WithRegistry announces the listener as an instance of target while
// serving. An empty instance address is filled with the listener address.
func WithRegistry(reg registry.Registry, target string, instance registry.TargetInstance) Option {
	return func(p *Peer) {
		p.registry = reg
		p.target = target
		p.instance = instance
	}
}

func New(opts ...Option) *Peer {
	p := &Peer{
		codec:  codec.Default(),
		conns:  make(map[*transport.StreamTransport]struct{}),
		logger: logx.Component("peer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds fn to the function table as the next index. params names
// each parameter in order.
func (p *Peer) Register(name, doc string, params []string, fn any) error {
	f, err := newFunction(name, doc, params, fn)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.functions {
		if existing.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateFunction, name)
		}
	}
	if len(p.functions) == 255 {
		return fmt.Errorf("peer: function table full")
	}
	p.functions = append(p.functions, f)

	// The schema reply is a single frame, so every entry must fit in it
	body, err := p.codec.Encode(p.schema())
	if err == nil && protocol.EncodedLen(message.HeaderSize+len(body)) > protocol.MaxFrameSize {
		err = fmt.Errorf("%w: adding %s makes it %d bytes", ErrSchemaTooLarge, name,
			protocol.EncodedLen(message.HeaderSize+len(body)))
	}
	if err != nil {
		p.functions = p.functions[:len(p.functions)-1]
		return err
	}
	return nil
}

// Schema returns the reply to function 0.
func (p *Peer) Schema() []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schema()
}

func (p *Peer) schema() []any {
	entries := make([]any, len(p.functions))
	for i, f := range p.functions {
		entries[i] = f.schemaEntry()
	}
	return entries
}

func (p *Peer) handle(index uint8, body []byte) ([]byte, error) {
	if index == 0 {
		return p.codec.Encode(p.Schema())
	}
	p.mu.RLock()
	if int(index) > len(p.functions) {
		p.mu.RUnlock()
		return nil, fmt.Errorf("peer: no function %d", index)
	}
	f := p.functions[index-1]
	p.mu.RUnlock()
	return f.call(p.codec, body)
}

// ServeConn answers RPC requests on stream until it ends or ctx is done. A
// clean end of stream returns nil.
func (p *Peer) ServeConn(ctx context.Context, stream io.ReadWriter) error {
	opts := []transport.Option{transport.WithLogger(p.logger)}
	if p.dump != nil {
		opts = append(opts, transport.WithDump(p.dump))
	}
	t := transport.NewStreamTransport(stream, opts...)
	defer t.Close()

	p.connsMu.Lock()
	p.conns[t] = struct{}{}
	p.connsMu.Unlock()
	defer func() {
		p.connsMu.Lock()
		delete(p.conns, t)
		p.connsMu.Unlock()
	}()

	for {
		ch, payload, err := t.Recv(ctx)
		switch {
		case err == nil:
		case protocol.IsFraming(err):
			p.logger.Warn().Err(err).Msg("bad request frame")
			if err := p.reject(ctx, t, badRequest); err != nil {
				return closedOK(ctx, err)
			}
			continue
		default:
			return closedOK(ctx, err)
		}

		if channel.ID(ch) != channel.RPC {
			p.logger.Debug().Uint8("channel", ch).Msg("ignoring frame on non-RPC channel")
			continue
		}

		var req message.Packet
		if err := req.UnmarshalBinary(payload); err != nil {
			p.logger.Warn().Err(err).Msg("bad request")
			if err := p.reject(ctx, t, badRequest); err != nil {
				return closedOK(ctx, err)
			}
			continue
		}

		if err := p.respond(ctx, t, req); err != nil {
			return closedOK(ctx, err)
		}
	}
}

func (p *Peer) respond(ctx context.Context, t *transport.StreamTransport, req message.Packet) error {
	result, err := p.handle(req.Function, req.Body)
	if err == nil {
		resp := message.Packet{Sequence: req.Sequence, Function: req.Function, Body: result}
		data, _ := resp.MarshalBinary()

		sendCtx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout)
		err = t.Send(sendCtx, byte(channel.RPC), data)
		cancel()
		if !errors.Is(err, protocol.ErrFrameTooLarge) {
			return err
		}
	}

	p.logger.Warn().Uint8("function", req.Function).Uint8("seq", req.Sequence).Err(err).Msg("call failed")
	return p.reject(ctx, t, callFailed)
}

func (p *Peer) reject(ctx context.Context, t *transport.StreamTransport, line []byte) error {
	ctx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout)
	defer cancel()
	return t.WriteRaw(ctx, line)
}

// closedOK maps the expected ways a connection ends to nil.
func closedOK(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, transport.ErrConnectionClosed) {
		return nil
	}
	return err
}

// Log sends a deferred-format record to every connected host. Records are
// dropped when no host is connected, as on a board.
func (p *Peer) Log(ctx context.Context, level targetlog.Level, module uint8, template string, args ...any) error {
	payload, err := targetlog.EncodeRecord(p.codec, level, module, template, args...)
	if err != nil {
		return err
	}

	p.connsMu.Lock()
	conns := make([]*transport.StreamTransport, 0, len(p.conns))
	for t := range p.conns {
		conns = append(conns, t)
	}
	p.connsMu.Unlock()

	var errs []error
	for _, t := range conns {
		sendCtx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout)
		if err := t.Send(sendCtx, byte(channel.Log), payload); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Connections reports how many hosts are connected.
func (p *Peer) Connections() int {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	return len(p.conns)
}
