package targetlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"comms-ccf/channel"
	"comms-ccf/codec"
	"comms-ccf/logx"
	"comms-ccf/metrics"
	"comms-ccf/transport"
)

// Consumer drains the Log channel into a Sink.
type Consumer struct {
	demux       *channel.Demux
	sink        Sink
	codec       codec.Codec
	capacity    int
	recvTimeout time.Duration
	metrics     bool
	logger      zerolog.Logger
}

type Option func(*Consumer)

// WithCapacity sets the size of the Log channel inbox.
func WithCapacity(n int) Option {
	return func(c *Consumer) { c.capacity = n }
}

func WithRecvTimeout(d time.Duration) Option {
	return func(c *Consumer) { c.recvTimeout = d }
}

func WithMetrics() Option {
	return func(c *Consumer) { c.metrics = true }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

func NewConsumer(d *channel.Demux, sink Sink, opts ...Option) *Consumer {
	c := &Consumer{
		demux:       d,
		sink:        sink,
		codec:       codec.Default(),
		recvTimeout: time.Second,
		logger:      logx.Component("targetlog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open opens the Log channel. Call it before the demultiplexer starts so
// that early records are not dropped; Run opens it too.
func (c *Consumer) Open() error {
	return c.demux.OpenChannel(channel.Log, c.capacity)
}

// Run emits records until the channel shuts down, returning the
// demultiplexer's terminal error, or until ctx is done. Timeouts and
// malformed records do not stop it.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Open(); err != nil {
		return err
	}

	for {
		payload, err := c.recv(ctx)
		if err != nil {
			if ctx.Err() == nil && transport.IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		rec, err := DecodeRecord(payload, c.codec)
		if err != nil {
			c.logger.Debug().Err(err).Hex("payload", payload).Msg("skipping log record")
			if c.metrics {
				metrics.RecordLogRecord("malformed")
			}
			continue
		}
		if c.metrics {
			metrics.RecordLogRecord(rec.Level.String())
		}
		c.sink.Emit(rec.Level.String(), rec.Module, rec.Text)
	}
}

func (c *Consumer) recv(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.recvTimeout)
	defer cancel()
	return c.demux.Recv(ctx, channel.Log)
}
