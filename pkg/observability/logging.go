// Package observability wires structured logging, error reporting, and
// Prometheus metrics for the worker and webhook processes.
package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mobilityone/whatsagent/pkg/config"
)

// ConfigureLogging installs the process-wide slog default: JSON handler in
// production, text handler elsewhere. Returns the logger for callers that
// want to derive component loggers via With.
func ConfigureLogging(env config.AppEnv, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if env.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
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

// MaskRecipient hides most of a phone number or email for log output.
// "385911234567" becomes "385***567".
func MaskRecipient(s string) string {
	if len(s) <= 6 {
		return "***"
	}
	return s[:3] + "***" + s[len(s)-3:]
}
