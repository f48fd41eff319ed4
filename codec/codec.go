// Package codec serializes the structured values exchanged with the peer:
// RPC arguments and results, and the deferred arguments of log records.
//
// The wire format is CBOR (RFC 8949), which the peer encodes and decodes
// natively. JSON is offered for the human side: parsing arguments typed on
// a command line and printing results.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

// FirstDecoder is implemented by codecs whose values are self-delimiting,
// so a buffer can hold several of them back to back.
type FirstDecoder interface {
	// DecodeFirst decodes the first value in data into v and returns the
	// bytes that follow it.
	DecodeFirst(data []byte, v any) (rest []byte, err error)
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return Default()
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	default:
		return "unknown"
	}
}
