package fabric

import (
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger configures the global slog logger to output structured JSON
// to stderr. Call this once at program startup before creating any nodes.
// The level controls the minimum log level (e.g. slog.LevelInfo, slog.LevelDebug).
func InitLogger(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// InitFileLogger is like InitLogger but writes to a size-rotated log file.
// Keeps up to five 50 MB backups.
func InitFileLogger(level slog.Level, path string) {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}
