package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comms-ccf/channel"
	"comms-ccf/client"
	"comms-ccf/loadbalance"
	"comms-ccf/peer"
	"comms-ccf/registry"
	"comms-ccf/targetlog"
	"comms-ccf/transport"
)

// syncBuffer is written by the log task while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startPeer(t *testing.T) (*peer.Peer, string) {
	t.Helper()
	p := peer.New()
	require.NoError(t, p.RegisterDemo())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Serve(ctx, l)
	t.Cleanup(func() {
		cancel()
		p.Shutdown(time.Second)
	})
	return p, l.Addr().String()
}

func TestCall(t *testing.T) {
	_, addr := startPeer(t)

	tests := []struct {
		name string
		args []string
		want string
		code int
	}{
		{"add", []string{"-call", "add", "-args", "[2, 3]"}, "5\n", 0},
		{"hello", []string{"-call", "hello"}, "\"Hello world\"\n", 0},
		{"version", []string{"-call", "version"}, "[\"main\",\"a/b/c\",19088743]\n", 0},
		{"unknown function", []string{"-call", "nope"}, "", 1},
		{"wrong arg count", []string{"-call", "add", "-args", "[1]"}, "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out syncBuffer
			args := append([]string{"-no-log"}, tt.args...)
			args = append(args, "tcp", addr)

			code := run(context.Background(), args, &out)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestList(t *testing.T) {
	_, addr := startPeer(t)

	var out syncBuffer
	code := run(context.Background(), []string{"-no-log", "-list", "tcp", addr}, &out)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "| schema() -> list\n|     show the RPC schema\n")
	assert.Contains(t, out.String(), "| add(x: int, y: int) -> int\n|     return x+y\n")
}

func TestStreamLogsUntilPeerLeaves(t *testing.T) {
	p, addr := startPeer(t)
	expected := filepath.Join(t.TempDir(), "expected.log")
	require.NoError(t, os.WriteFile(expected, []byte("Info 0 Test log 1\nError 3 disk 97%\n"), 0o644))

	var out syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(context.Background(), []string{"-expect-logs", expected, "tcp", addr}, &out)
	}()

	// the demo call is made once the log channel is open
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "E.g. add(2, 3) ~> 5")
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, p.Log(ctx, targetlog.Info, 0, "Test log %d", 1))
	require.NoError(t, p.Log(ctx, targetlog.Error, 3, "disk %u%%", 97))
	require.NoError(t, p.Shutdown(time.Second))

	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("ccf did not exit after the peer left")
	}
	assert.Contains(t, out.String(), "Log: Info 0 Test log 1\nLog: Error 3 disk 97%\n")
}

func TestExpectLogsMismatchFails(t *testing.T) {
	p, addr := startPeer(t)
	expected := filepath.Join(t.TempDir(), "expected.log")
	require.NoError(t, os.WriteFile(expected, []byte("Info 0 something else\n"), 0o644))

	var out syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(context.Background(), []string{"-expect-logs", expected, "tcp", addr}, &out)
	}()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "E.g. add")
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Shutdown(time.Second))

	select {
	case code := <-done:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("ccf did not exit after the peer left")
	}
}

func TestCancelStopsStreaming(t *testing.T) {
	_, addr := startPeer(t)

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan int, 1)
	go func() { done <- run(ctx, []string{"tcp", addr}, &out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "E.g. add")
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("ccf did not exit on cancel")
	}
}

func TestBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no connection", nil, 1},
		{"unknown connection", []string{"serial", "/dev/ttyACM0"}, 1},
		{"exec without command", []string{"exec"}, 1},
		{"target without registry", []string{"target", "demo"}, 1},
		{"bad flag", []string{"-timeout", "soon", "tcp"}, 2},
		{"help", []string{"-h"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CCF_ETCD_ENDPOINTS", "")
			var out syncBuffer
			assert.Equal(t, tt.code, run(context.Background(), tt.args, &out))
		})
	}
}

func TestResolveTarget(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "demo", registry.TargetInstance{Addr: "10.0.0.1:4321", Weight: 1}, 10))
	require.NoError(t, reg.Register(ctx, "demo", registry.TargetInstance{Addr: "10.0.0.2:4321", Weight: 1}, 10))

	addr, err := resolveTarget(ctx, reg, "demo", "hash:ci-job-7", 0)
	require.NoError(t, err)
	again, err := resolveTarget(ctx, reg, "demo", "hash:ci-job-7", 0)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	_, err = resolveTarget(ctx, reg, "missing", "round-robin", 0)
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)

	_, err = resolveTarget(ctx, reg, "demo", "fastest", 0)
	assert.Error(t, err)
}

// 目标尚未注册时等待注册表的变更
func TestResolveTargetWaitsForRegistration(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()

	go func() {
		time.Sleep(50 * time.Millisecond)
		reg.Register(ctx, "late", registry.TargetInstance{Addr: "10.0.0.3:4321", Weight: 1}, 10)
	}()

	addr, err := resolveTarget(ctx, reg, "late", "round-robin", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3:4321", addr)

	start := time.Now()
	_, err = resolveTarget(ctx, reg, "never", "round-robin", 100*time.Millisecond)
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStatusRouter(t *testing.T) {
	hostConn, peerConn := net.Pipe()
	defer hostConn.Close()
	defer peerConn.Close()
	c := client.New(channel.New(transport.NewStreamTransport(hostConn)))
	router := statusRouter(c, "session-1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/schema", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"session":"session-1","state":"uninitialized","functions":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
