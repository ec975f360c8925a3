package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the process-wide structured logger: JSON on stdout with
// source locations, so log lines can be shipped anywhere and traced back.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	}))
}

// parseLevel matches level names case-insensitively; anything unrecognized
// (including empty) falls back to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
