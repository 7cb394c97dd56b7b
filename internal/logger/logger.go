// Package logger provides structured logging for qmeventd: a single
// "qmeventd" subsystem attribute on every record and a configurable
// level. The daemon is single-threaded and passes its *slog.Logger
// around as an explicit Daemon field rather than through a context —
// there is no deep multi-goroutine call path here to justify the
// teacher's context-carried logger.
package logger

import (
	"io"
	"log/slog"
)

// Subsystem is the fixed subsystem attribute stamped on every record.
// The daemon has only one subsystem; this constant exists so call sites
// read the same way the teacher's multi-subsystem logger does.
const Subsystem = "qmeventd"

// Config holds logging configuration, sourced from CLI flags (-v)
// rather than environment variables: the daemon has no config file.
type Config struct {
	// Level is the log level for the daemon.
	Level slog.Level
	// AddSource adds source file information to log entries.
	AddSource bool
}

// NewConfig returns the default Config, optionally elevated to debug
// when verbose is set (the -v flag).
func NewConfig(verbose bool) Config {
	cfg := Config{Level: slog.LevelInfo}
	if verbose {
		cfg.Level = slog.LevelDebug
	}
	return cfg
}

// New creates the daemon's slog.Logger writing JSON records to w,
// tagged with the qmeventd subsystem attribute.
func New(w io.Writer, cfg Config) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	})
	return slog.New(handler).With(slog.String("subsystem", Subsystem))
}
