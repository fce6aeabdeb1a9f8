// Package logging builds the structured loggers used across the bridge.
// Handlers are backed by zerolog so console output stays compact while
// call sites use the standard log/slog API.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

// KeyComponent is the attribute key naming the subsystem that logged.
const KeyComponent = "component"

// New returns a console logger writing to w at the given level.
// Unknown level names fall back to info.
func New(level string, w io.Writer) *slog.Logger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
	zl := zerolog.New(output).With().Timestamp().Logger()
	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: ParseLevel(level)}))
}

// NewJSON returns a logger emitting one JSON object per line, for running
// under a supervisor that collects stderr.
func NewJSON(level string, w io.Writer) *slog.Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: ParseLevel(level)}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Error returns the attribute used for logging errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// Component returns the attribute naming a subsystem.
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}
