// Package logging builds the zap loggers used across cachelock, modeled
// directly on dalemusser-waffle's logging package: development encoding
// for local runs, JSON for prod, explicit level validation with a safe
// fallback.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ValidLevels lists the zap level names BuildLogger accepts.
var ValidLevels = []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"}

// IsValidLevel reports whether level (case-insensitive) is a known zap level.
func IsValidLevel(level string) bool {
	level = strings.ToLower(level)
	for _, valid := range ValidLevels {
		if level == valid {
			return true
		}
	}
	return false
}

// BootstrapLogger returns a development-friendly logger for use before
// config has been loaded.
func BootstrapLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// BuildLogger constructs the logger cachelockd runs with: JSON in "prod",
// development encoding otherwise. An invalid level falls back to "info"
// and a warning is written directly to stderr, since the logger itself
// isn't built yet.
func BuildLogger(level, env string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "prod" {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if err := cfg.Level.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		_, _ = os.Stderr.WriteString("WARNING: invalid log level \"" + level +
			"\"; defaulting to \"info\".\n")
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

// MustBuildLogger builds the logger or exits the process.
func MustBuildLogger(level, env string) *zap.Logger {
	logger, err := BuildLogger(level, env)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return logger
}
