// Package targetlog decodes and prints the log records the peer sends on the
// Log channel.
//
// The peer defers formatting to the host: a record carries the printf-style
// template and the CBOR-encoded arguments, not the formatted text.
//
//	┌─────────────────┬─────────┬──────────────┬─────────────────────────┐
//	│ level:3 module:5│ tmplLen │ template     │ args: CBOR value ...    │
//	│       1B        │   1B    │ tmplLen B    │ until end of payload    │
//	└─────────────────┴─────────┴──────────────┴─────────────────────────┘
package targetlog

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"comms-ccf/codec"
)

var (
	ErrRecordMalformed = errors.New("targetlog: malformed record")
	ErrModuleRange     = errors.New("targetlog: module out of range")
)

// MaxModule is the largest module number the control byte can hold.
const MaxModule = 1<<5 - 1

type Level uint8

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warn:
		return "Warn"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// Record is one decoded log record.
type Record struct {
	Level    Level
	Module   uint8
	Template string
	Args     []any
	Text     string // Template applied to Args
}

// DecodeRecord parses one Log channel payload. Only payloads shorter than
// the two header bytes are rejected; anything that cannot be formatted
// yields a Text of the form "template [!fmt: reason]".
func DecodeRecord(payload []byte, c codec.Codec) (Record, error) {
	if len(payload) < 2 {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrRecordMalformed, len(payload))
	}

	rec := Record{
		Level:  Level(payload[0] >> 5),
		Module: payload[0] & MaxModule,
	}
	end := min(2+int(payload[1]), len(payload))
	tmpl := payload[2:end]

	if !utf8.Valid(tmpl) {
		rec.Template = strings.ToValidUTF8(string(tmpl), "\uFFFD")
		rec.Text = degrade(rec.Template, errors.New("template is not UTF-8"))
		return rec, nil
	}
	rec.Template = string(tmpl)

	args, err := codec.DecodeSequence(c, payload[end:])
	rec.Args = args
	if err != nil {
		rec.Text = degrade(rec.Template, err)
		return rec, nil
	}

	rec.Text, err = Sprintf(rec.Template, args...)
	if err != nil {
		rec.Text = degrade(rec.Template, err)
	}
	return rec, nil
}

// EncodeRecord builds a Log channel payload. Templates longer than 255
// bytes are truncated.
func EncodeRecord(c codec.Codec, level Level, module uint8, template string, args ...any) ([]byte, error) {
	if module > MaxModule {
		return nil, fmt.Errorf("%w: %d > %d", ErrModuleRange, module, MaxModule)
	}
	if len(template) > 255 {
		template = template[:255]
	}

	out := make([]byte, 0, 2+len(template))
	out = append(out, byte(level)<<5|module, byte(len(template)))
	out = append(out, template...)
	for i, arg := range args {
		b, err := c.Encode(arg)
		if err != nil {
			return nil, fmt.Errorf("targetlog: argument %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func degrade(template string, err error) string {
	return fmt.Sprintf("%s [!fmt: %v]", template, err)
}
