package targetlog

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives each decoded record. Emit must not block for long: it runs
// on the consumer loop.
type Sink interface {
	Emit(severity string, module uint8, text string)
}

type SinkFunc func(severity string, module uint8, text string)

func (f SinkFunc) Emit(severity string, module uint8, text string) {
	f(severity, module, text)
}

// MultiSink emits to every sink in order.
func MultiSink(sinks ...Sink) Sink {
	return SinkFunc(func(severity string, module uint8, text string) {
		for _, s := range sinks {
			s.Emit(severity, module, text)
		}
	})
}

// LoggerSink forwards records to a zerolog logger at the matching level.
// Levels the host does not know are logged at info.
func LoggerSink(logger zerolog.Logger) Sink {
	return SinkFunc(func(severity string, module uint8, text string) {
		var ev *zerolog.Event
		switch severity {
		case Debug.String():
			ev = logger.Debug()
		case Warn.String():
			ev = logger.Warn()
		case Error.String():
			ev = logger.Error()
		default:
			ev = logger.Info()
		}
		ev.Str("severity", severity).Uint8("module", module).Msg(text)
	})
}

// WriterSink prints one "Log: <severity> <module> <text>" line per record.
func WriterSink(w io.Writer) Sink {
	var mu sync.Mutex
	return SinkFunc(func(severity string, module uint8, text string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "Log: %s %d %s\n", severity, module, text)
	})
}
