package main

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comms-ccf/channel"
	"comms-ccf/codec"
	"comms-ccf/targetlog"
	"comms-ccf/transport"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-addr", "127.0.0.1:0", "-log-period", "50ms", "-board", "bench-1"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", o.addr)
	assert.Equal(t, 50*time.Millisecond, o.logPeriod)
	assert.Equal(t, "bench-1", o.board)
	assert.Equal(t, "demo", o.target)

	_, err = parseFlags([]string{"-log-period", "often"})
	assert.Error(t, err)
}

func TestAnnounceAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.5:4321", announceAddr("10.0.0.5:4321"))
	assert.True(t, strings.HasSuffix(announceAddr(":4321"), ":4321"))
}

func TestEmitLogs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, closeRegistry, err := newPeer(options{}, zerolog.Nop())
	require.NoError(t, err)
	defer closeRegistry()

	hostConn, peerConn := net.Pipe()
	defer hostConn.Close()
	go p.ServeConn(ctx, peerConn)

	d := channel.New(transport.NewStreamTransport(hostConn), channel.WithRecvTimeout(20*time.Millisecond))
	require.NoError(t, d.OpenChannel(channel.Log, 0))
	go d.Run(ctx)
	require.Eventually(t, func() bool { return p.Connections() == 1 }, time.Second, 5*time.Millisecond)

	emitted := make(chan error, 1)
	go func() { emitted <- emitLogs(ctx, p, 10*time.Millisecond) }()

	recvCtx, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	payload, err := d.Recv(recvCtx, channel.Log)
	require.NoError(t, err)

	rec, err := targetlog.DecodeRecord(payload, codec.Default())
	require.NoError(t, err)
	assert.Equal(t, targetlog.Info, rec.Level)
	assert.Equal(t, "Test log 123", rec.Text)

	cancel()
	assert.ErrorIs(t, <-emitted, context.Canceled)
}
