// Command ccf-sim serves the demo firmware's RPC table and log stream over
// TCP, so ccf can be used without a board.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"comms-ccf/logx"
	"comms-ccf/peer"
	"comms-ccf/registry"
	"comms-ccf/supervisor"
	"comms-ccf/targetlog"
)

type options struct {
	addr      string
	logPeriod time.Duration
	logLevel  string
	dump      bool
	etcd      string
	target    string
	board     string
	weight    int
}

func parseFlags(args []string) (options, error) {
	o := options{
		addr:      getEnv("CCF_SIM_ADDR", ":4321"),
		logPeriod: time.Second,
		logLevel:  getEnv(logx.EnvLogLevel, "info"),
		etcd:      os.Getenv("CCF_ETCD_ENDPOINTS"),
		target:    "demo",
		weight:    1,
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "sim-" + uuid.NewString()[:8]
	}
	o.board = host

	fs := flag.NewFlagSet("ccf-sim", flag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", o.addr, "listen address")
	fs.DurationVar(&o.logPeriod, "log-period", o.logPeriod, "interval between test log records (0 to disable)")
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.BoolVar(&o.dump, "v", o.dump, "hexdump every frame to stderr")
	fs.StringVar(&o.etcd, "etcd", o.etcd, "comma separated etcd endpoints to announce on")
	fs.StringVar(&o.target, "target", o.target, "target name to announce as")
	fs.StringVar(&o.board, "board", o.board, "board name to announce")
	fs.IntVar(&o.weight, "weight", o.weight, "load balancing weight")
	return o, fs.Parse(args)
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	logx.Configure(o.logLevel)
	logger := logx.Component("sim")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, closeRegistry, err := newPeer(o, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup")
	}
	defer closeRegistry()

	sup := supervisor.New(ctx, supervisor.WithLogger(logger))
	sup.Spawn("serve", func(ctx context.Context) error {
		return p.ListenAndServe(ctx, o.addr)
	})
	if o.logPeriod > 0 {
		sup.Spawn("logs", func(ctx context.Context) error {
			return emitLogs(ctx, p, o.logPeriod)
		})
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	if err := p.Shutdown(5 * time.Second); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
	sup.Suppress(context.Canceled)
	sup.Cancel()
	if err := sup.Wait(5 * time.Second); err != nil {
		logger.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}

func newPeer(o options, logger zerolog.Logger) (*peer.Peer, func(), error) {
	opts := []peer.Option{peer.WithLogger(logger)}
	if o.dump {
		opts = append(opts, peer.WithDump(os.Stderr))
	}

	closeRegistry := func() {}
	if o.etcd != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(o.etcd, ","))
		if err != nil {
			return nil, nil, err
		}
		closeRegistry = func() { reg.Close() }
		opts = append(opts, peer.WithRegistry(reg, o.target, registry.TargetInstance{
			Addr:   announceAddr(o.addr),
			Weight: o.weight,
			Board:  o.board,
		}))
	}

	p := peer.New(opts...)
	if err := p.RegisterDemo(); err != nil {
		closeRegistry()
		return nil, nil, err
	}
	return p, closeRegistry, nil
}

// announceAddr turns a wildcard listen address into one hosts can dial. An
// empty result lets the peer announce the listener's own address.
func announceAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		host, err := os.Hostname()
		if err != nil {
			return ""
		}
		return host + listen
	}
	return listen
}

// emitLogs sends the demo firmware's test record every period.
func emitLogs(ctx context.Context, p *peer.Peer, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := p.Log(ctx, targetlog.Info, 0, "Test log %d", 123); err != nil {
			logx.Log.Debug().Err(err).Msg("log record not delivered")
		}
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
