// Package client calls functions on the peer over the RPC channel.
//
// A Client discovers the peer's function table once (Discover) and then
// dispatches calls by index or by name. Each call allocates an 8-bit
// sequence number, sends seq|fn|cbor(args) and waits for the response that
// carries the same sequence number; responses to earlier, abandoned calls
// are discarded. Calls on one Client are serialized, so at most one
// sequence number is outstanding and wraparound cannot alias a live call.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"comms-ccf/channel"
	"comms-ccf/codec"
	"comms-ccf/logx"
	"comms-ccf/message"
	"comms-ccf/metrics"
	"comms-ccf/middleware"
	"comms-ccf/transport"
)

var (
	ErrSchemaInvalid    = errors.New("client: invalid schema")
	ErrFunctionMismatch = errors.New("client: response to a different function")
	ErrUnknownFunction  = errors.New("client: unknown function")
	ErrArgCount         = errors.New("client: wrong number of arguments")
)

type State int32

const (
	Uninitialized State = iota
	Discovering
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Discovering:
		return "discovering"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Client struct {
	demux *channel.Demux
	codec codec.Codec

	calling chan struct{} // Held for a whole round trip
	seq     uint8         // Next sequence number (protected by calling)

	mu     sync.RWMutex
	schema []Function          // Peer functions, index 1..n
	byName map[string]Function // Includes the built-in schema function

	state atomic.Int32

	middlewares []middleware.Middleware
	invoke      middleware.Invoker
	timeout     time.Duration
	metrics     bool
	logger      zerolog.Logger
}

type Option func(*Client)

// WithMiddleware appends to the chain every call passes through, the first
// middleware being outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

// WithSequence sets the first sequence number. By default it is random.
func WithSequence(seq uint8) Option {
	return func(c *Client) { c.seq = seq }
}

// WithTimeout bounds calls made with a ctx that has no deadline. The
// default is transport.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMetrics records call counts, durations and stale responses.
func WithMetrics() Option {
	return func(c *Client) { c.metrics = true }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(d *channel.Demux, opts ...Option) *Client {
	c := &Client{
		demux:   d,
		codec:   codec.Default(),
		calling: make(chan struct{}, 1),
		seq:     uint8(rand.UintN(256)),
		byName:  map[string]Function{schemaFunction.Name: schemaFunction},
		timeout: transport.DefaultTimeout,
		logger:  logx.Component("rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}

	mws := append([]middleware.Middleware(nil), c.middlewares...)
	if c.metrics {
		mws = append(mws, middleware.MetricsMiddleware())
	}
	mws = append(mws, middleware.TimeOutMiddleware(c.timeout))
	c.invoke = middleware.Chain(mws...)(c.roundTrip)
	return c
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Call invokes function index with args and returns the decoded result:
// CBOR integers come back as uint64 or int64, arrays as []any.
// A function returning nothing yields nil.
func (c *Client) Call(ctx context.Context, index uint8, args ...any) (any, error) {
	reply, err := c.invoke(ctx, c.newCall(index, args))
	if err != nil {
		return nil, err
	}
	var result any
	if err := c.decode(reply, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CallInto is Call decoding the result into reply, which must be a pointer.
func (c *Client) CallInto(ctx context.Context, index uint8, reply any, args ...any) error {
	r, err := c.invoke(ctx, c.newCall(index, args))
	if err != nil {
		return err
	}
	return c.decode(r, reply)
}

func (c *Client) newCall(index uint8, args []any) *message.Call {
	name := fmt.Sprintf("#%d", index)
	if f, ok := c.function(index); ok {
		name = f.Name
	}
	if args == nil {
		args = []any{}
	}
	return &message.Call{Function: index, Name: name, Args: args}
}

func (c *Client) decode(reply *message.Reply, v any) error {
	if len(reply.Raw) == 0 {
		return nil
	}
	if err := c.codec.Decode(reply.Raw, v); err != nil {
		return fmt.Errorf("client: decoding result (seq %d): %w", reply.Sequence, err)
	}
	return nil
}

// roundTrip is the innermost Invoker: one request, one matching response.
func (c *Client) roundTrip(ctx context.Context, call *message.Call) (*message.Reply, error) {
	select {
	case c.calling <- struct{}{}:
	case <-ctx.Done():
		return nil, waitErr(ctx)
	}
	defer func() { <-c.calling }()
	if ctx.Err() != nil {
		return nil, waitErr(ctx)
	}

	body, err := c.codec.Encode(call.Args)
	if err != nil {
		return nil, fmt.Errorf("client: encoding arguments of %s: %w", call.Name, err)
	}

	seq := c.seq
	c.seq++ // wraps at 256

	req := message.Packet{Sequence: seq, Function: call.Function, Body: body}
	payload, _ := req.MarshalBinary()
	if err := c.demux.Send(ctx, channel.RPC, payload); err != nil {
		return nil, err
	}

	for {
		data, err := c.demux.Recv(ctx, channel.RPC)
		if err != nil {
			return nil, err
		}

		var resp message.Packet
		if err := resp.UnmarshalBinary(data); err != nil {
			c.discard(seq, data, "runt")
			continue
		}
		if resp.Sequence != seq {
			c.discard(seq, data, "stale")
			continue
		}
		if resp.Function != call.Function {
			return nil, fmt.Errorf("%w: sent %d, got %d (seq %d)", ErrFunctionMismatch, call.Function, resp.Function, seq)
		}
		return &message.Reply{Sequence: seq, Raw: resp.Body}, nil
	}
}

func (c *Client) discard(awaiting uint8, data []byte, reason string) {
	c.logger.Debug().
		Uint8("awaiting", awaiting).
		Hex("payload", data).
		Str("reason", reason).
		Msg("discarding response")
	if c.metrics {
		metrics.RecordStaleResponse()
	}
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: waiting for previous call: %w", transport.ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
