// Package message defines the RPC payloads carried on the RPC channel.
//
// Both directions share one layout; only the meaning of the body differs:
//
//	┌──────────┬──────────┬──────────────────────────────┐
//	│ sequence │ function │ body                          │
//	│    1B    │    1B    │ request: CBOR list of args    │
//	│          │          │ response: CBOR result value   │
//	└──────────┴──────────┴──────────────────────────────┘
package message

import (
	"errors"
	"fmt"
)

// HeaderSize is the sequence byte plus the function byte.
const HeaderSize = 2

var ErrShortPayload = errors.New("message: payload shorter than header")

// Packet is one RPC request or response as it travels on the RPC channel.
//
//   - On request:  Body holds the serialized argument list.
//   - On response: Body holds the serialized return value.
type Packet struct {
	Sequence uint8  // Correlates a response with its request
	Function uint8  // Index into the peer's function table; 0 is the schema
	Body     []byte // CBOR encoded
}

func (p *Packet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize+len(p.Body))
	buf[0] = p.Sequence
	buf[1] = p.Function
	copy(buf[HeaderSize:], p.Body)
	return buf, nil
}

func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrShortPayload, len(data))
	}
	p.Sequence = data[0]
	p.Function = data[1]
	p.Body = append([]byte(nil), data[HeaderSize:]...)
	return nil
}

// Call is the client-side view of one invocation as it passes through the
// middleware chain.
type Call struct {
	Function uint8  // Function index
	Name     string // Function name from the schema, "schema" for index 0
	Args     []any  // Positional arguments
}

// Reply is the decoded outcome of a Call.
type Reply struct {
	Sequence uint8  // Sequence number the response matched
	Raw      []byte // CBOR encoded result, undecoded
}
