package targetlog

import (
	"errors"
	"fmt"
	"strings"
)

var errFormat = errors.New("format")

// Sprintf applies a C printf template to decoded CBOR values. Length
// modifiers are accepted and ignored since CBOR carries the width; %i and %u
// are %d. The number and kind of arguments must match the conversions.
func Sprintf(template string, args ...any) (string, error) {
	if len(args) == 0 {
		return template, nil
	}

	var (
		out  strings.Builder
		next int
	)
	for i := 0; i < len(template); i++ {
		ch := template[i]
		if ch != '%' {
			out.WriteByte(ch)
			continue
		}

		flags, verb, n, err := parseConversion(template[i+1:])
		if err != nil {
			return "", err
		}
		i += n

		if verb == '%' {
			out.WriteByte('%')
			continue
		}
		if next >= len(args) {
			return "", fmt.Errorf("%w: %%%c has no argument", errFormat, verb)
		}
		arg, err := convert(verb, args[next])
		if err != nil {
			return "", fmt.Errorf("%w: argument %d: %w", errFormat, next, err)
		}
		next++

		if verb == 'p' {
			out.WriteString("0x")
			verb = 'x'
		}
		fmt.Fprintf(&out, "%"+flags+string(verb), arg)
	}

	if next != len(args) {
		return "", fmt.Errorf("%w: %d arguments for %d conversions", errFormat, len(args), next)
	}
	return out.String(), nil
}

// parseConversion reads one conversion after the '%'. It returns the flags,
// width and precision to pass to fmt, the Go verb, and the bytes consumed.
func parseConversion(s string) (flags string, verb byte, n int, err error) {
	i := 0
	for i < len(s) && strings.IndexByte("-+ #0", s[i]) >= 0 {
		i++
	}
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	}
	flags = s[:i]

	for i < len(s) && strings.IndexByte("hljztLq", s[i]) >= 0 {
		i++
	}
	if i >= len(s) {
		return "", 0, 0, fmt.Errorf("%w: truncated conversion", errFormat)
	}

	switch c := s[i]; c {
	case 'd', 'i', 'u':
		verb = 'd'
	case 'x', 'X', 'o', 'c', 's', 'e', 'E', 'f', 'g', 'G', 'p', '%':
		verb = c
	case 'F':
		verb = 'f'
	default:
		return "", 0, 0, fmt.Errorf("%w: unknown conversion %%%c", errFormat, c)
	}
	return flags, verb, i + 1, nil
}

// convert checks that arg suits verb and normalizes it for fmt.
func convert(verb byte, arg any) (any, error) {
	switch verb {
	case 'd', 'x', 'X', 'o', 'c', 'p':
		switch v := arg.(type) {
		case uint64, int64:
			return v, nil
		case bool:
			if v {
				return 1, nil
			}
			return 0, nil
		case string, []byte:
			if verb == 'x' || verb == 'X' {
				return v, nil
			}
		}
	case 'e', 'E', 'f', 'g', 'G':
		switch v := arg.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case 's':
		switch v := arg.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	}
	return nil, fmt.Errorf("%%%c cannot print %T", verb, arg)
}
