// Package monitoring carries the observability stack: structured logging
// and Prometheus collectors.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Log output formats.
const (
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// NewLogger creates the process-wide structured logger. level is one of
// zerolog's level strings (debug, info, warn, error); anything
// unparseable falls back to info. The pretty format is for local runs,
// JSON for log shipping.
func NewLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "scatter").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the
// process running. Use in every long-lived goroutine's defer.
func RecoverPanic(logger zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("Goroutine panic recovered")
	}
}
