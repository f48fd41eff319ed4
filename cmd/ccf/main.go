// Command ccf connects to a comms-ccf peer, discovers its RPC functions and
// streams its logs.
//
//	ccf [flags] tcp [host:port]        connect over TCP (default localhost:4321)
//	ccf [flags] exec <cmd> [args...]   wrap the stdio of a subprocess
//	ccf [flags] target <name>          look the target up in etcd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"comms-ccf/channel"
	"comms-ccf/client"
	"comms-ccf/codec"
	"comms-ccf/config"
	"comms-ccf/logx"
	"comms-ccf/middleware"
	"comms-ccf/supervisor"
	"comms-ccf/targetlog"
	"comms-ccf/transport"
)

const (
	waitTimeout = 5 * time.Second
	retryDelay  = 200 * time.Millisecond
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run is the whole command. It returns the process exit code.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	var cfg config.Config
	fs := flag.NewFlagSet("ccf", flag.ContinueOnError)
	fs.Usage = func() {
		_, _ = fmt.Fprintln(fs.Output(), errUsage)
		fs.PrintDefaults()
	}
	rest, err := cfg.Load(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		logx.Log.Error().Err(err).Msg("bad arguments")
		return 2
	}
	logx.Configure(cfg.LogLevel)

	session := uuid.NewString()
	logger := logx.Component("ccf").With().Str("session", session[:8]).Logger()
	metricsOn := cfg.MetricsAddr != ""

	stream, name, err := openStream(ctx, &cfg, rest)
	if err != nil {
		logger.Error().Err(err).Msg("connect")
		return 1
	}
	logger.Info().Str("peer", name).Msg("connected")

	t := transport.NewStreamTransport(stream, transportOptions(&cfg, logger, metricsOn)...)
	demux := channel.New(t, demuxOptions(&cfg, logger, metricsOn)...)
	c := client.New(demux, clientOptions(&cfg, logger, metricsOn)...)

	sup := supervisor.New(ctx, supervisor.WithLogger(logger))
	defer sup.Cancel()

	if metricsOn {
		go serveStatus(sup.Context(), cfg.MetricsAddr, statusRouter(c, session), logger)
	}

	// The log channel must be open before the demultiplexer starts or
	// the first records are dropped
	if !cfg.NoLog {
		logs, err := logTask(&cfg, demux, stdout, logger, metricsOn)
		if err != nil {
			logger.Error().Err(err).Msg("log channel")
			t.Close()
			return 1
		}
		sup.Spawn("logs", logs)
	}
	sup.Spawn("channels", demux.Run)

	failed := interact(sup.Context(), &cfg, c, demux, stdout, logger)

	sup.Suppress(transport.ErrConnectionClosed, context.Canceled)
	t.Close()
	if err := sup.Wait(waitTimeout); err != nil {
		logger.Error().Err(err).Msg("shutdown")
		failed = true
	}
	if failed {
		return 1
	}
	return 0
}

// interact discovers the peer's functions and runs the requested action.
// Without -call or -list it waits until the stream ends or ctx is done. It
// reports whether the action failed.
func interact(ctx context.Context, cfg *config.Config, c *client.Client, demux *channel.Demux, stdout io.Writer, logger zerolog.Logger) bool {
	if err := c.Discover(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to discover RPC")
		return true
	}

	switch {
	case cfg.List:
		if err := c.Help(stdout, ""); err != nil {
			logger.Error().Err(err).Msg("help")
			return true
		}
		return false

	case cfg.Call != "":
		args, _ := cfg.CallArgs() // validated by Load
		result, err := c.Invoke(ctx, cfg.Call, args...)
		if err != nil {
			logger.Error().Err(err).Str("function", cfg.Call).Msg("call failed")
			return true
		}
		out, err := (&codec.JSONCodec{}).Encode(result)
		if err != nil {
			logger.Error().Err(err).Msg("printing result")
			return true
		}
		_, _ = fmt.Fprintf(stdout, "%s\n", out)
		return false
	}

	if _, ok := c.Lookup("add"); ok {
		if sum, err := c.Invoke(ctx, "add", 2, 3); err == nil {
			_, _ = fmt.Fprintln(stdout, "E.g. add(2, 3) ~>", sum)
		} else {
			logger.Warn().Err(err).Msg("exception in demo")
		}
	}

	select {
	case <-demux.Done():
		logger.Info().Err(demux.Err()).Msg("stream ended")
	case <-ctx.Done():
	}
	return false
}

// logTask opens the Log channel and returns the task printing records.
// With -expect-logs the records are also checked once the stream ends.
func logTask(cfg *config.Config, demux *channel.Demux, stdout io.Writer, logger zerolog.Logger, metricsOn bool) (supervisor.Task, error) {
	var (
		sink       targetlog.Sink = targetlog.WriterSink(stdout)
		transcript *targetlog.Transcript
	)
	if cfg.ExpectLogs != "" {
		transcript = &targetlog.Transcript{}
		sink = targetlog.MultiSink(sink, transcript)
	}

	opts := []targetlog.Option{targetlog.WithLogger(logger)}
	if metricsOn {
		opts = append(opts, targetlog.WithMetrics())
	}
	consumer := targetlog.NewConsumer(demux, sink, opts...)
	if err := consumer.Open(); err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		err := consumer.Run(ctx)
		if transcript != nil && errors.Is(err, transport.ErrConnectionClosed) {
			if cmpErr := transcript.CompareFile(cfg.ExpectLogs); cmpErr != nil {
				return cmpErr
			}
			logger.Info().Str("file", cfg.ExpectLogs).Msg("logs match")
		}
		return err
	}, nil
}

func transportOptions(cfg *config.Config, logger zerolog.Logger, metricsOn bool) []transport.Option {
	opts := []transport.Option{transport.WithLogger(logger)}
	if cfg.Dump {
		opts = append(opts, transport.WithDump(os.Stderr))
	}
	if metricsOn {
		opts = append(opts, transport.WithMetrics())
	}
	return opts
}

func demuxOptions(cfg *config.Config, logger zerolog.Logger, metricsOn bool) []channel.Option {
	opts := []channel.Option{channel.WithLogger(logger)}
	if cfg.CorruptOK {
		opts = append(opts, channel.WithCorruptFrameTolerance())
	}
	if metricsOn {
		opts = append(opts, channel.WithMetrics())
	}
	return opts
}

func clientOptions(cfg *config.Config, logger zerolog.Logger, metricsOn bool) []client.Option {
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(logger),
		middleware.RetryMiddleware(cfg.Retries-1, retryDelay),
	}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, 1))
	}

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithTimeout(time.Duration(cfg.Timeout)),
		client.WithMiddleware(mws...),
	}
	if metricsOn {
		opts = append(opts, client.WithMetrics())
	}
	return opts
}
