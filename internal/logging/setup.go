// Package logging configures structured logging for the server using log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is a package-level LevelVar that allows runtime log level changes.
var Level slog.LevelVar

// Options selects the handler and verbosity of the process logger.
type Options struct {
	Level     string // debug, info, warn, error (default: info)
	Format    string // json, text (default: json)
	AddSource bool
	Writer    io.Writer // default: os.Stderr
}

// Setup builds a logger from opts, installs it as the slog default and
// bridges the standard library "log" package into it so that third-party
// log.Printf calls are captured in structured form.
func Setup(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)

	log.SetOutput(newSlogWriter(logger))
	log.SetFlags(0) // slog handles timestamps
	return logger
}

// New returns a logger for opts without touching global state.
func New(opts Options) *slog.Logger {
	Level.Set(ParseLevel(opts.Level))

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: &Level, AddSource: opts.AddSource}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// slogWriter adapts slog.Logger to io.Writer for the stdlib log bridge.
type slogWriter struct {
	logger *slog.Logger
}

func newSlogWriter(logger *slog.Logger) *slogWriter {
	return &slogWriter{logger: logger}
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, "source", "stdlib")
	return len(p), nil
}
