package codec

import (
	"encoding/json"
	"fmt"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// It is the human-facing codec: CBOR maps decode with non-string keys, so
// Encode normalizes them first.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(Normalize(v))
}

// Decode turns whole numbers into int64 when v is *any, so integers typed on
// a command line reach the peer as CBOR integers rather than floats.
func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	if p, ok := v.(*any); ok {
		*p = fromJSON(*p)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// Normalize rewrites map[any]any (as produced by CBOR decoding) into
// map[string]any, recursively, so the value can be printed as JSON.
func Normalize(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = Normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Normalize(val)
		}
		return out
	default:
		return v
	}
}

// fromJSON converts whole float64 values into int64, recursively.
func fromJSON(v any) any {
	switch x := v.(type) {
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	case []any:
		for i := range x {
			x[i] = fromJSON(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = fromJSON(x[k])
		}
		return x
	default:
		return v
	}
}
