package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level is shared by every logger built here so a config reload can change it.
var level = new(slog.LevelVar)

func NewLogger(lvl string) *slog.Logger {
	return NewLoggerTo(os.Stdout, lvl)
}

func NewLoggerTo(w io.Writer, lvl string) *slog.Logger {
	level.Set(ParseLevel(lvl))
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "examguard")
}

func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
