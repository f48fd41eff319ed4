package client

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comms-ccf/channel"
	"comms-ccf/codec"
	"comms-ccf/message"
	"comms-ccf/transport"
)

// responder answers one request with zero or more raw RPC payloads.
type responder func(req message.Packet) [][]byte

// setup connects a Client to a scripted peer over an in-memory pipe.
func setup(t *testing.T, respond responder, opts ...Option) *Client {
	t.Helper()
	host, peer := net.Pipe()
	ht := transport.NewStreamTransport(host)
	pt := transport.NewStreamTransport(peer)

	d := channel.New(ht, channel.WithRecvTimeout(20*time.Millisecond))
	require.NoError(t, d.OpenChannel(channel.RPC, 0))

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	go func() {
		for {
			ch, payload, err := pt.Recv(ctx)
			if err != nil {
				return
			}
			var req message.Packet
			if ch != byte(channel.RPC) || req.UnmarshalBinary(payload) != nil {
				continue
			}
			for _, resp := range respond(req) {
				if err := pt.Send(ctx, byte(channel.RPC), resp); err != nil {
					return
				}
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		ht.Close()
		pt.Close()
	})
	return New(d, opts...)
}

func reply(seq, fn uint8, v any) []byte {
	var body []byte
	if v != nil {
		body, _ = codec.Default().Encode(v)
	}
	p := message.Packet{Sequence: seq, Function: fn, Body: body}
	data, _ := p.MarshalBinary()
	return data
}

func args(t *testing.T, req message.Packet) []any {
	var a []any
	require.NoError(t, codec.Default().Decode(req.Body, &a))
	return a
}

var demoSchema = []any{
	[]any{"add", "return x+y", "int", "x", "int", "y", "int"},
	[]any{"hello", "greet", "str"},
	[]any{"reset", "restart the board", "none"},
}

// demoPeer serves the functions of demoSchema.
func demoPeer(t *testing.T) responder {
	return func(req message.Packet) [][]byte {
		switch req.Function {
		case 0:
			return [][]byte{reply(req.Sequence, 0, demoSchema)}
		case 1:
			a := args(t, req)
			return [][]byte{reply(req.Sequence, 1, a[0].(uint64)+a[1].(uint64))}
		case 2:
			return [][]byte{reply(req.Sequence, 2, "Hello world")}
		case 3:
			return [][]byte{reply(req.Sequence, 3, nil)}
		}
		return nil
	}
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestDiscoverAndCall(t *testing.T) {
	c := setup(t, demoPeer(t))
	assert.Equal(t, Uninitialized, c.State())

	require.NoError(t, c.Discover(ctxTimeout(t, time.Second)))
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, []string{"schema", "add", "hello", "reset"}, c.Functions())

	add, ok := c.Lookup("add")
	require.True(t, ok)
	assert.Equal(t, uint8(1), add.Index)
	assert.Equal(t, []Param{{"x", "int"}, {"y", "int"}}, add.Params)

	got, err := c.Invoke(ctxTimeout(t, time.Second), "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got)

	got, err = c.Call(ctxTimeout(t, time.Second), 1, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), got)

	sum, err := CallAs[int](ctxTimeout(t, time.Second), c, "add", 40, 2)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)

	greeting, err := CallAs[string](ctxTimeout(t, time.Second), c, "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", greeting)

	var s []any
	require.NoError(t, c.CallInto(ctxTimeout(t, time.Second), 0, &s))
	assert.Len(t, s, len(demoSchema))
}

func TestAddRoundTripBytes(t *testing.T) {
	var request []byte
	c := setup(t, func(req message.Packet) [][]byte {
		if req.Function == 0 {
			return [][]byte{reply(req.Sequence, 0, []any{
				[]any{"add", "add two", "int", "a", "int", "b", "int"},
			})}
		}
		request = append([]byte(nil), req.Body...)
		return [][]byte{reply(req.Sequence, req.Function, 5)}
	})
	require.NoError(t, c.Discover(ctxTimeout(t, time.Second)))

	add, ok := c.Method("add")
	require.True(t, ok)
	got, err := add(ctxTimeout(t, time.Second), 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got)
	// function index 1, args [2, 3] as a CBOR array
	assert.Equal(t, []byte{0x82, 0x02, 0x03}, request)
}

func TestVoidResult(t *testing.T) {
	c := setup(t, demoPeer(t))
	require.NoError(t, c.Discover(ctxTimeout(t, time.Second)))

	got, err := c.Invoke(ctxTimeout(t, time.Second), "reset")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStaleAndRuntResponsesAreDiscarded(t *testing.T) {
	c := setup(t, func(req message.Packet) [][]byte {
		return [][]byte{
			{0x01},                                 // runt
			reply(req.Sequence-1, req.Function, 99), // answer to an abandoned call
			reply(req.Sequence+1, req.Function, 98), // not yet issued
			reply(req.Sequence, req.Function, 5),
		}
	}, WithSequence(10))

	got, err := c.Call(ctxTimeout(t, time.Second), 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got)
}

func TestFunctionMismatch(t *testing.T) {
	c := setup(t, func(req message.Packet) [][]byte {
		return [][]byte{reply(req.Sequence, req.Function+1, 0)}
	})

	_, err := c.Call(ctxTimeout(t, time.Second), 1, 2, 3)
	assert.ErrorIs(t, err, ErrFunctionMismatch)
}

func TestLateResponseAfterTimeout(t *testing.T) {
	peer := demoPeer(t)
	c := setup(t, func(req message.Packet) [][]byte {
		if req.Function == 2 {
			time.Sleep(100 * time.Millisecond)
		}
		return peer(req)
	})

	_, err := c.Call(ctxTimeout(t, 30*time.Millisecond), 2)
	require.ErrorIs(t, err, transport.ErrTimeout)

	// the late "hello" reply arrives first and must not be taken for this one
	got, err := c.Call(ctxTimeout(t, time.Second), 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)
}

func TestSequenceWraps(t *testing.T) {
	var (
		mu   sync.Mutex
		seqs []uint8
	)
	c := setup(t, func(req message.Packet) [][]byte {
		mu.Lock()
		seqs = append(seqs, req.Sequence)
		mu.Unlock()
		return [][]byte{reply(req.Sequence, req.Function, 0)}
	}, WithSequence(254))

	for range 3 {
		_, err := c.Call(ctxTimeout(t, time.Second), 1)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint8{254, 255, 0}, seqs)
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	c := setup(t, demoPeer(t))
	require.NoError(t, c.Discover(ctxTimeout(t, time.Second)))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Invoke(ctxTimeout(t, 2*time.Second), "add", i, 100)
			assert.NoError(t, err)
			assert.Equal(t, uint64(i+100), got)
		}(i)
	}
	wg.Wait()
}

// 已取消的调用不应影响后续调用
func TestCancelledCallThenHealthyCall(t *testing.T) {
	c := setup(t, demoPeer(t))
	require.NoError(t, c.Discover(ctxTimeout(t, time.Second)))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		_, err := c.Invoke(cancelled, "add", 1, 1)
		require.ErrorIs(t, err, context.Canceled)

		got, err := c.Invoke(ctxTimeout(t, time.Second), "add", 2, 3)
		require.NoError(t, err, "round %d", i)
		assert.Equal(t, uint64(5), got)
	}
}

func TestDiscoverRejectsInvalidSchema(t *testing.T) {
	c := setup(t, func(req message.Packet) [][]byte {
		return [][]byte{reply(req.Sequence, 0, "not a list")}
	})

	err := c.Discover(ctxTimeout(t, time.Second))
	require.ErrorIs(t, err, ErrSchemaInvalid)
	assert.Equal(t, Uninitialized, c.State())
	assert.Equal(t, []string{"schema"}, c.Functions())
}

func TestDiscoverTimeout(t *testing.T) {
	c := setup(t, func(req message.Packet) [][]byte { return nil })

	err := c.Discover(ctxTimeout(t, 50*time.Millisecond))
	require.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, Uninitialized, c.State())
}

func TestParseSchema(t *testing.T) {
	tests := []struct {
		name  string
		input any
		valid bool
	}{
		{"empty", []any{}, true},
		{"no params", []any{[]any{"f", "doc", "int"}}, true},
		{"not a list", map[any]any{"f": 1}, false},
		{"entry too short", []any{[]any{"f", "doc"}}, false},
		{"dangling param", []any{[]any{"f", "doc", "int", "x"}}, false},
		{"non-string field", []any{[]any{"f", "doc", uint64(1)}}, false},
		{"entry not a list", []any{"f"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSchema(tt.input)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrSchemaInvalid)
			}
		})
	}
}

func TestInvokeErrors(t *testing.T) {
	c := setup(t, demoPeer(t))

	_, err := c.Invoke(ctxTimeout(t, time.Second), "add", 1, 2)
	assert.ErrorIs(t, err, ErrUnknownFunction)

	require.NoError(t, c.Discover(ctxTimeout(t, time.Second)))

	_, err = c.Invoke(ctxTimeout(t, time.Second), "mul", 1, 2)
	assert.ErrorIs(t, err, ErrUnknownFunction)

	_, err = c.Invoke(ctxTimeout(t, time.Second), "add", 1)
	assert.ErrorIs(t, err, ErrArgCount)

	_, ok := c.Method("mul")
	assert.False(t, ok)

	add, ok := c.Method("add")
	require.True(t, ok)
	got, err := add(ctxTimeout(t, time.Second), 7, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), got)
}

func TestHelpAndSignature(t *testing.T) {
	c := setup(t, demoPeer(t))
	require.NoError(t, c.Discover(ctxTimeout(t, time.Second)))

	add, _ := c.Lookup("add")
	assert.Equal(t, "add(x: int, y: int) -> int", add.Signature())

	var buf bytes.Buffer
	require.NoError(t, c.Help(&buf, "add"))
	assert.Equal(t, "| add(x: int, y: int) -> int\n|     return x+y\n", buf.String())

	buf.Reset()
	require.NoError(t, c.Help(&buf, ""))
	assert.Contains(t, buf.String(), "| schema() -> list\n")
	assert.Contains(t, buf.String(), "| hello() -> str\n")

	assert.ErrorIs(t, c.Help(&buf, "nope"), ErrUnknownFunction)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "State(9)", State(9).String())
}
