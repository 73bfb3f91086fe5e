// Package telemetry wires structured logging and OpenTelemetry tracing /
// metrics the way the teacher repo's libs/go/core package does, adapted
// from a shared library into an internal package of this single-module
// repo.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger. JSON output is selected
// with TASKCORE_JSON_LOG=1/true/json; otherwise a human-readable text
// handler is used. Level is controlled by TASKCORE_LOG_LEVEL.
func InitLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("TASKCORE_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("TASKCORE_LOG_LEVEL")) {
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
