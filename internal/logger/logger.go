package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var log = zerolog.Nop()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger for the given level name ("debug", "info",
// "warning" or "error").
func Init(level string, isService bool) error {
	return InitWriter(os.Stdout, level, isService)
}

// InitWriter is Init with an explicit output.
func InitWriter(out io.Writer, level string, isService bool) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()
	SetLogLevel(parsed)

	return nil
}

// ParseLevel maps a configured level name to a LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, level)
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return unix.Getpgrp() == unix.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

// Default returns the package logger as a Logger.
func Default() Logger {
	return &scoped{l: log}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &scoped{l: zerolog.Nop()}
}

// For returns a Logger tagged with the instance id.
func For(instanceID string) Logger {
	return &scoped{l: log.With().Str("instance", instanceID).Logger()}
}

func withCode(e *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{e.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

type scoped struct {
	l zerolog.Logger
}

func (s *scoped) Debug() *LogEvent { return &LogEvent{s.l.Debug()} }
func (s *scoped) Info() *LogEvent  { return &LogEvent{s.l.Info()} }
func (s *scoped) Warn() *LogEvent  { return &LogEvent{s.l.Warn()} }
func (s *scoped) Error() *LogEvent { return &LogEvent{s.l.Error()} }

func (s *scoped) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(s.l.Error(), err)
}

func (s *scoped) ErrorWithContext(err errors.Error, component, operation string) *LogEvent {
	e := withCode(s.l.Error(), err)
	e.Str("component", component).Str("operation", operation)
	return e
}

func (s *scoped) With(key, value string) Logger {
	return &scoped{l: s.l.With().Str(key, value).Logger()}
}
