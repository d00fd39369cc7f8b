// Package util provides shared utility functions for logging, retries, rate
// limiting, and trading calendar operations.
package util

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts "debug", "info", "warn"/"warning" or "error" to a
// slog.Level. Unknown strings map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to stdout at the specified
// level. format selects the handler: "text" for slog.TextHandler, anything
// else for slog.JSONHandler.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// SetDefault configures the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
