// Package observability provides structured logging and metrics collection.
//
// Logger wraps zerolog with component context fields.
// Metrics exposes engine counters and histograms through Prometheus.
package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with a persistent component name.
type Logger struct {
	inner     zerolog.Logger
	component string
}

// NewLogger creates a JSON logger for a component.
// Output defaults to os.Stderr if w is nil.
func NewLogger(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		inner:     zerolog.New(w).With().Timestamp().Str("component", component).Logger().Level(zerolog.DebugLevel),
		component: component,
	}
}

// NewConsoleLogger creates a human-readable logger for interactive use.
func NewConsoleLogger(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return &Logger{
		inner:     zerolog.New(out).With().Timestamp().Str("component", component).Logger().Level(zerolog.InfoLevel),
		component: component,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{inner: zerolog.Nop()}
}

// SetLevel parses a level name ("debug", "info", ...). Unknown names keep
// the current level and return the parse error.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return err
	}
	l.inner = l.inner.Level(lvl)
	return nil
}

// With returns a new Logger with an additional persistent field.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{
		inner:     l.inner.With().Interface(key, value).Logger(),
		component: l.component,
	}
}

// Debug logs at DEBUG level. args are alternating key/value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.inner.Debug().Fields(args).Msg(msg)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	l.inner.Info().Fields(args).Msg(msg)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	l.inner.Warn().Fields(args).Msg(msg)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	l.inner.Error().Fields(args).Msg(msg)
}

// Lifecycle logs an experiment state transition.
func (l *Logger) Lifecycle(event, experimentID string, args ...any) {
	l.inner.Info().
		Str("event", event).
		Str("experiment_id", experimentID).
		Fields(args).
		Msg("lifecycle")
}

// Monitor logs the outcome of a health check.
func (l *Logger) Monitor(experimentID, check string, args ...any) {
	l.inner.Info().
		Str("experiment_id", experimentID).
		Str("check", check).
		Fields(args).
		Msg("monitor")
}

// Component returns the component name associated with this logger.
func (l *Logger) Component() string {
	return l.component
}
