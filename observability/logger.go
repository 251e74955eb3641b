// Package observability sets up logging, tracing and
// metrics for benchmark processes.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a console logger writing to stderr at
// the given level ("debug", "info", "warn" or "error").
//
// If rank is non-negative, every entry carries it, so the
// interleaved output of many processes stays readable.
func NewLogger(level string, rank int) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.Development = false
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if rank >= 0 {
		logger = logger.With(zap.Int("rank", rank))
	}
	return logger, nil
}
