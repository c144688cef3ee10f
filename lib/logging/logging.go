// Package logging builds the gateway's slog loggers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace is below debug and enables per-message delivery logs.
const LevelTrace = slog.LevelDebug - 4

// Config selects the level and encoding of a logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Unknown values mean info.
	Level string `yaml:"level" json:"level"`
	// Format is json or text. Unknown values mean text.
	Format string `yaml:"format" json:"format"`
	// AddSource adds the caller's file and line to every record.
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace
	case "debug", "dbg":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w, or to stderr when w is nil.
func New(w io.Writer, cfg Config) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init builds a logger with New and installs it as the slog default.
func Init(w io.Writer, cfg Config) *slog.Logger {
	l := New(w, cfg)
	slog.SetDefault(l)
	return l
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}
