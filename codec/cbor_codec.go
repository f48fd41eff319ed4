package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var errNotSequence = errors.New("codec: values are not self-delimiting")

// CBORCodec is the wire codec. Values decoded into an interface{} follow the
// library defaults: unsigned integers as uint64, negative integers as int64,
// arrays as []any and maps as map[any]any.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var defaultCBOR = mustCBOR()

// Default returns the shared CBOR codec. It is safe for concurrent use.
func Default() *CBORCodec {
	return defaultCBOR
}

func mustCBOR() *CBORCodec {
	enc, err := cbor.EncOptions{
		Sort: cbor.SortCoreDeterministic,
		Time: cbor.TimeUnix,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor encode options: %v", err))
	}
	dec, err := cbor.DecOptions{
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor decode options: %v", err))
	}
	return &CBORCodec{enc: enc, dec: dec}
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

// Decode requires data to hold exactly one value.
func (c *CBORCodec) Decode(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c *CBORCodec) DecodeFirst(data []byte, v any) ([]byte, error) {
	return c.dec.UnmarshalFirst(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}

// DecodeSequence decodes values back to back until data is exhausted. On
// error the values decoded so far are returned with it.
func DecodeSequence(c Codec, data []byte) ([]any, error) {
	fd, ok := c.(FirstDecoder)
	if !ok {
		return nil, errNotSequence
	}
	var values []any
	for len(data) > 0 {
		var v any
		rest, err := fd.DecodeFirst(data, &v)
		if err != nil {
			return values, fmt.Errorf("codec: value %d: %w", len(values), err)
		}
		values = append(values, v)
		data = rest
	}
	return values, nil
}
