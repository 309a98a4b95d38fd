// Package logging configures the process-wide structured logger, the way
// the teacher's cmd/server setupLogging does, adapted to Beacon's single
// engine.LogLevel setting rather than an environment/debug pair.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

const serviceName = "beacon"

// New builds a slog.Logger writing JSON to stdout at the given level
// ("debug", "info", "warn", "error"; unrecognized values fall back to
// info), tagged with the service name so every log line is attributable
// when multiple engine instances share a log sink.
func New(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: strings.EqualFold(level, "debug"),
	})
	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
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
