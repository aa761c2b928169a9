package dbpool

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the pluggable sink for background failures (spec: cleanup and
// teardown errors are never returned to a caller, only logged). Implement
// it to route dbpool's diagnostics into your application's logging stack.
type Logger interface {
	// Warn logs a non-fatal background failure (e.g. a discarded record
	// after a failed CleanDatabase).
	Warn(op string, err error, fields map[string]any)

	// Debug logs routine lifecycle events (database created, reused, dropped).
	Debug(msg string, fields map[string]any)
}

// zerologLogger is the default Logger, backed by github.com/rs/zerolog.
type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog.Logger as a dbpool Logger. Pass
// zerolog.Nop() to silence all output.
func NewZerologLogger(logger zerolog.Logger) Logger {
	return &zerologLogger{logger: logger}
}

// defaultLogger returns a zerolog-backed Logger writing timestamped events
// to stderr with no level filter, used when a Pool is constructed without
// WithLogger.
func defaultLogger() Logger {
	return NewZerologLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
}

func (l *zerologLogger) Warn(op string, err error, fields map[string]any) {
	ev := l.logger.Warn().Str("op", op).Err(err)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("dbpool: background operation failed")
}

func (l *zerologLogger) Debug(msg string, fields map[string]any) {
	ev := l.logger.Debug()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
