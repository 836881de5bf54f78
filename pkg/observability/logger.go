// Package observability provides the logging and metrics surface shared
// by every subsystem of the orchestrator, backed by zerolog and
// prometheus/client_golang.
package observability

import (
	"os"

	"github.com/rs/zerolog"
)

// LogLevel controls the minimum severity a Logger emits.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// Logger is the structured logging contract used throughout the core.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})
	WithPrefix(prefix string) Logger
}

// zerologLogger adapts zerolog.Logger to the Logger contract.
type zerologLogger struct {
	z      zerolog.Logger
	prefix string
}

// NewLogger builds a zerolog-backed Logger writing structured JSON to
// stderr, keeping stdout free for any REPL/CLI surface.
func NewLogger(component string) Logger {
	z := zerolog.New(os.Stderr).With().Timestamp().Str("component", component).Logger()
	return &zerologLogger{z: z, prefix: component}
}

// NewLoggerWithLevel builds a Logger at a specific minimum level.
func NewLoggerWithLevel(component string, level LogLevel) Logger {
	l := NewLogger(component).(*zerologLogger)
	l.z = l.z.Level(toZerologLevel(level))
	return l
}

func toZerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	case LogLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *zerologLogger) event(e *zerolog.Event, msg string, fields map[string]interface{}) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (l *zerologLogger) Debug(msg string, fields map[string]interface{}) {
	l.event(l.z.Debug(), msg, fields)
}

func (l *zerologLogger) Info(msg string, fields map[string]interface{}) {
	l.event(l.z.Info(), msg, fields)
}

func (l *zerologLogger) Warn(msg string, fields map[string]interface{}) {
	l.event(l.z.Warn(), msg, fields)
}

func (l *zerologLogger) Error(msg string, fields map[string]interface{}) {
	l.event(l.z.Error(), msg, fields)
}

func (l *zerologLogger) Fatal(msg string, fields map[string]interface{}) {
	l.event(l.z.Fatal(), msg, fields)
}

func (l *zerologLogger) WithPrefix(prefix string) Logger {
	return &zerologLogger{z: l.z.With().Str("scope", prefix).Logger(), prefix: l.prefix + "." + prefix}
}

// NoopLogger discards everything; used in tests and as a safe zero value.
type NoopLogger struct{}

func NewNoopLogger() Logger { return NoopLogger{} }

func (NoopLogger) Debug(string, map[string]interface{}) {}
func (NoopLogger) Info(string, map[string]interface{})  {}
func (NoopLogger) Warn(string, map[string]interface{})  {}
func (NoopLogger) Error(string, map[string]interface{}) {}
func (NoopLogger) Fatal(string, map[string]interface{}) {}
func (NoopLogger) WithPrefix(string) Logger             { return NoopLogger{} }
