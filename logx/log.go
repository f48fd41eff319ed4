// Package logx holds the structured logger shared by every package.
package logx

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// EnvLogLevel overrides the default level before flags are parsed.
const EnvLogLevel = "CCF_LOG_LEVEL"

// Log is the shared logger. It writes human-readable lines to stderr.
var Log zerolog.Logger

func init() {
	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()
	Configure(os.Getenv(EnvLogLevel))
}

// Configure sets the global level from a user supplied name. Unknown names
// fall back to info.
func Configure(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel maps level names (all, trace, debug, info, warn, warning, error,
// fatal, none) to zerolog levels.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component returns the shared logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
