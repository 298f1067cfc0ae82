// Package main is the entry point for the mailvault relay and its admin
// commands.
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	err := newRootCommand().Execute()
	// Wipe any key material still held in guarded buffers.
	memguard.Purge()
	if err != nil {
		os.Exit(1)
	}
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(w io.Writer, level string) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
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
