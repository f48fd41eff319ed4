package peer

import (
	"fmt"
	"reflect"

	"comms-ccf/codec"
)

// function is one registered Go function and the metadata the schema
// publishes for it.
type function struct {
	name   string
	doc    string
	params []string
	fn     reflect.Value
	in     []reflect.Type
	ret    reflect.Type // nil when the function returns no value
	retErr bool         // Last result is an error
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// newFunction 用反射检查 fn 的签名：参数个数与名字一致，类型都能用 CBOR 表示
func newFunction(name, doc string, params []string, fn any) (*function, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("peer: %s: want a func, got %s", name, v.Kind())
	}
	typ := v.Type()
	if typ.IsVariadic() {
		return nil, fmt.Errorf("peer: %s: variadic functions are not supported", name)
	}
	if typ.NumIn() != len(params) {
		return nil, fmt.Errorf("peer: %s: %d parameter names for %d parameters", name, len(params), typ.NumIn())
	}

	f := &function{name: name, doc: doc, params: params, fn: v}
	for i := 0; i < typ.NumIn(); i++ {
		if _, err := typeName(typ.In(i)); err != nil {
			return nil, fmt.Errorf("peer: %s: parameter %s: %w", name, params[i], err)
		}
		f.in = append(f.in, typ.In(i))
	}

	outs := typ.NumOut()
	if outs > 0 && typ.Out(outs-1) == errorType {
		f.retErr = true
		outs--
	}
	switch outs {
	case 0:
	case 1:
		if _, err := typeName(typ.Out(0)); err != nil {
			return nil, fmt.Errorf("peer: %s: result: %w", name, err)
		}
		f.ret = typ.Out(0)
	default:
		return nil, fmt.Errorf("peer: %s: at most one result besides error", name)
	}
	return f, nil
}

// typeName maps a Go type to the name the schema uses for it.
func typeName(t reflect.Type) (string, error) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return "int", nil
	case reflect.Float32, reflect.Float64:
		return "float", nil
	case reflect.String:
		return "str", nil
	case reflect.Bool:
		return "bool", nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "bytes", nil
		}
		return "list", nil
	case reflect.Array:
		return "list", nil
	case reflect.Map, reflect.Struct:
		return "map", nil
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return "any", nil
		}
	}
	return "", fmt.Errorf("unsupported type %s", t)
}

func (f *function) schemaEntry() []any {
	ret := "none"
	if f.ret != nil {
		ret, _ = typeName(f.ret)
	}
	entry := []any{f.name, f.doc, ret}
	for i, p := range f.params {
		typ, _ := typeName(f.in[i])
		entry = append(entry, p, typ)
	}
	return entry
}

// call decodes the argument list in body, converts each argument to the
// parameter type and invokes the function.
func (f *function) call(c codec.Codec, body []byte) (result []byte, err error) {
	var raw []any
	if len(body) > 0 {
		if err := c.Decode(body, &raw); err != nil {
			return nil, fmt.Errorf("peer: %s: decoding arguments: %w", f.name, err)
		}
	}
	if len(raw) != len(f.in) {
		return nil, fmt.Errorf("peer: %s: want %d arguments, got %d", f.name, len(f.in), len(raw))
	}

	args := make([]reflect.Value, len(raw))
	for i, a := range raw {
		// round trip through the codec to get CBOR's conversion rules
		b, err := c.Encode(a)
		if err != nil {
			return nil, err
		}
		v := reflect.New(f.in[i])
		if err := c.Decode(b, v.Interface()); err != nil {
			return nil, fmt.Errorf("peer: %s: argument %s: %w", f.name, f.params[i], err)
		}
		args[i] = v.Elem()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("peer: %s panicked: %v", f.name, r)
		}
	}()
	out := f.fn.Call(args)

	if f.retErr {
		if e, _ := out[len(out)-1].Interface().(error); e != nil {
			return nil, e
		}
	}
	if f.ret == nil {
		return nil, nil
	}
	return c.Encode(out[0].Interface())
}
