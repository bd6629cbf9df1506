// Package logging provides structured logging for the fire container runtime.
//
// This package wraps github.com/rs/zerolog for structured, leveled logging,
// output as either human-readable console text or JSON, and integrates with
// context.Context for request-scoped loggers the way the rest of this module
// threads a context through every operation.
package logging

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ctxKey is the context key for the logger.
type ctxKey struct{}

var (
	// defaultLogger is the global logger instance.
	defaultLogger zerolog.Logger
	// loggerMu protects defaultLogger.
	loggerMu sync.RWMutex
)

func init() {
	defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
}

// Config holds the logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level zerolog.Level
	// Format is the output format ("json" or "console").
	Format string
	// Output is the log output destination.
	Output io.Writer
	// AddSource adds the calling file:line to log entries.
	AddSource bool
}

// NewLogger creates a new structured logger with the given configuration.
func NewLogger(cfg Config) zerolog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var w io.Writer = cfg.Output
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: cfg.Output, NoColor: true}
	}

	ctx := zerolog.New(w).Level(cfg.Level).With().Timestamp()
	if cfg.AddSource {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// SetDefault sets the default global logger.
func SetDefault(logger zerolog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	defaultLogger = logger
}

// Default returns the default global logger.
func Default() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// WithContainer returns a logger with container context.
func WithContainer(logger zerolog.Logger, id string) zerolog.Logger {
	return logger.With().Str("container_id", id).Logger()
}

// WithOperation returns a logger with operation context.
func WithOperation(logger zerolog.Logger, op string) zerolog.Logger {
	return logger.With().Str("operation", op).Logger()
}

// WithPID returns a logger with process ID context.
func WithPID(logger zerolog.Logger, pid int) zerolog.Logger {
	return logger.With().Int("pid", pid).Logger()
}

// WithPath returns a logger with file path context.
func WithPath(logger zerolog.Logger, path string) zerolog.Logger {
	return logger.With().Str("path", path).Logger()
}

// ContextWithLogger returns a new context with the logger attached.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext retrieves the logger from context.
// If no logger is found, returns the default logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return logger
	}
	return Default()
}

// ParseLevel parses a log level string and returns the corresponding zerolog.Level.
// Valid values: "debug", "info", "warn", "error".
// Returns zerolog.InfoLevel for invalid values.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// fields applies a flat key/value arg list (as used throughout this module,
// e.g. logging.Info("msg", "key", val, "key2", val2)) to a zerolog event.
func fields(e *zerolog.Event, args ...any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	return e
}

// Helper functions for common log patterns.

// Info logs an info message using the default logger.
func Info(msg string, args ...any) {
	fields(Default().Info(), args...).Msg(msg)
}

// Warn logs a warning message using the default logger.
func Warn(msg string, args ...any) {
	fields(Default().Warn(), args...).Msg(msg)
}

// Error logs an error message using the default logger.
func Error(msg string, args ...any) {
	fields(Default().Error(), args...).Msg(msg)
}

// Debug logs a debug message using the default logger.
func Debug(msg string, args ...any) {
	fields(Default().Debug(), args...).Msg(msg)
}

// InfoContext logs an info message using the logger from context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	fields(FromContext(ctx).Info(), args...).Msg(msg)
}

// WarnContext logs a warning message using the logger from context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	fields(FromContext(ctx).Warn(), args...).Msg(msg)
}

// ErrorContext logs an error message using the logger from context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	fields(FromContext(ctx).Error(), args...).Msg(msg)
}

// DebugContext logs a debug message using the logger from context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	fields(FromContext(ctx).Debug(), args...).Msg(msg)
}
