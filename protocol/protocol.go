// Package protocol implements the frame format shared with the embedded peer.
//
// A frame carries one channel byte and a payload. The pair is protected by a
// 32-bit FNV-1a checksum and then byte-stuffed with COBS so the only zero
// byte on the wire is the trailing delimiter. Receivers therefore find frame
// boundaries by scanning for 0x00, without any length header.
//
// Frame format:
//
//	┌──────────────────── COBS-encoded ────────────────────┐
//	│ channel │ payload ... │ fnv1a32(channel..payload) LE │ 0x00
//	│   1B    │     N B     │              4B              │  1B
//	└──────────────────────────────────────────────────────┘
//
// Encode and Decode are pure functions and safe for concurrent use.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	Delimiter    byte = 0x00
	ChannelSize  int  = 1
	ChecksumSize int  = 4
	// MinDecodedSize is the smallest valid frame once COBS is undone:
	// the channel byte plus the checksum.
	MinDecodedSize int = ChannelSize + ChecksumSize
	// Overhead is the channel byte, the checksum and the delimiter.
	Overhead int = ChannelSize + ChecksumSize + 1
	// MaxFrameSize bounds an encoded frame, delimiter included. Peers size
	// their packet buffers to this.
	MaxFrameSize int = 256
)

// Encode builds the transmittable bytes for one frame, delimiter included.
// It does not enforce MaxFrameSize; transports do.
func Encode(channel byte, payload []byte) []byte {
	// Step 1: channel || payload
	raw := make([]byte, 0, ChannelSize+len(payload)+ChecksumSize)
	raw = append(raw, channel)
	raw = append(raw, payload...)

	// Step 2: checksum over exactly the bytes above, little-endian
	raw = binary.LittleEndian.AppendUint32(raw, Checksum(raw))

	// Step 3: byte-stuff and terminate
	out := CobsEncode(raw)
	return append(out, Delimiter)
}

// Decode reverses Encode. raw must not include the trailing delimiter.
func Decode(raw []byte) (byte, []byte, error) {
	decoded, err := CobsDecode(raw)
	if err != nil {
		return 0, nil, err
	}
	if len(decoded) < MinDecodedSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooSmall, len(decoded))
	}

	body := decoded[:len(decoded)-ChecksumSize]
	stored := binary.LittleEndian.Uint32(decoded[len(body):])
	if expected := Checksum(body); expected != stored {
		return 0, nil, fmt.Errorf("%w: got %08X expected %08X", ErrChecksumMismatch, stored, expected)
	}

	return body[0], body[ChannelSize:], nil
}

// EncodedLen is an upper bound on the bytes Encode produces for a payload of
// n bytes, delimiter included.
func EncodedLen(n int) int {
	raw := ChannelSize + n + ChecksumSize
	// one code byte per started 254-byte block, plus the delimiter
	return raw + raw/254 + 1 + 1
}
