package logger

import (
	"io"
	"log/slog"
	"strings"
)

var level = new(slog.LevelVar)

// Init installs a text logger on w as the slog default and returns it.
func Init(w io.Writer, levelStr string) *slog.Logger {
	SetLevel(levelStr)
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(l)
	return l
}

// SetLevel changes the level of loggers created by Init.
func SetLevel(levelStr string) {
	level.Set(ParseLevel(levelStr))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	switch level.Level() {
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level. Unknown values mean debug.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
