package infra

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a JSON slog.Logger writing to stdout and a rotated file
// under cfg.Dir. An empty Dir logs to stdout only.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg LoggingConfig, console io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	if cfg.Dir == "" {
		return slog.New(slog.NewJSONHandler(console, opts))
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		// Fallback to console only
		return slog.New(slog.NewJSONHandler(console, opts))
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "vsp_mm.log"),
		MaxSize:    cfg.MaxSizeMB, // Megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays, // Days
		Compress:   cfg.Compress,
	}

	return slog.New(slog.NewJSONHandler(io.MultiWriter(console, fileLogger), opts))
}

// ParseLevel maps a config level name to slog; unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
