// Package logger builds the process-wide slog.Logger from the loaded
// config, the way cmd/root.go wires every other flag-derived setting: read
// once at startup, installed with slog.SetDefault before anything else runs.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/migue/arkive/config"
	"github.com/migue/arkive/internal/logging"
)

// New builds an slog.Logger at the level named by config.Config.LogLevel,
// writing text-formatted records to stderr. It also seeds the logging
// package's verbose tag set from config.Config.LogTags.
func New() *slog.Logger {
	logging.EnableMany(config.Config.LogTags)
	level := parseLevel(config.Config.LogLevel)
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
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
