// Package logger wraps log/slog with the level/format/file setup used by the CLI.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	base    *slog.Logger
	logFile *os.File
	level   string
	format  string
)

// Setup configures the package logger. levelName is one of debug, info, warn, error;
// formatName is text or json. When filename is set, output goes to stdout and the file.
func Setup(levelName, formatName, filename string) error {
	level, format = levelName, formatName
	var out io.Writer = os.Stdout
	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", filename, err)
		}
		Close()
		logFile = f
		out = io.MultiWriter(os.Stdout, f)
	}

	base = New(out, level, format)
	slog.SetDefault(base)
	return nil
}

// New builds a logger without touching package state.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Close closes the log file, if any. Later records go to stdout only.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
		base = New(os.Stdout, level, format)
		slog.SetDefault(base)
	}
}

// L returns the configured logger, or slog's default before Setup ran.
func L() *slog.Logger {
	if base == nil {
		return slog.Default()
	}
	return base
}

func Debug(msg string, args ...any) { L().Debug(msg, args...) }
func Info(msg string, args ...any)  { L().Info(msg, args...) }
func Warn(msg string, args ...any)  { L().Warn(msg, args...) }
func Error(msg string, args ...any) { L().Error(msg, args...) }
