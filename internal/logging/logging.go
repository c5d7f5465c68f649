// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Env selects the config overlay named by the RUST_ENV environment variable.
type Env string

const (
	EnvDev  Env = "dev"
	EnvProd Env = "prod"
	EnvTest Env = "test"
)

// ParseEnv defaults to EnvDev for an empty or unrecognized value.
func ParseEnv(v string) Env {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "prod", "production":
		return EnvProd
	case "test":
		return EnvTest
	default:
		return EnvDev
	}
}

// Setup builds the default logger for env and level and installs it as
// slog's process-wide default. dev uses a human-readable text handler;
// prod and test use JSON. This system has no long-running server process,
// so output always goes to stderr rather than a rotated log file.
func Setup(env Env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if env == EnvDev {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
