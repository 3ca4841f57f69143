package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options selects the level and output format of the root logger
type Options struct {
	// Level is one of trace, debug, info, warn, error; unknown values
	// fall back to info
	Level string
	// Format is "console" for human-readable output or "json"
	Format string
	// Output overrides the destination; nil means stderr
	Output io.Writer
}

// New builds a zerolog logger from the options
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(parseLevel(opts.Level)).
		With().
		Timestamp().
		Str("service", "conductor").
		Logger()
}

// Setup installs the logger as the global zerolog instance used by the
// package-level log calls throughout the core
func Setup(opts Options) zerolog.Logger {
	logger := New(opts)
	log.Logger = logger
	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
