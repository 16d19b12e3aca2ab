// Package logging builds the zap loggers used by every binary.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/medalert/adherence-engine/internal/config"
)

// New returns a production logger with the configured level and encoding
// ("json" or "console"), tagged with the service name.
func New(cfg config.LogConfig, service string) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch cfg.Encoding {
	case "", "json":
		zc.Encoding = "json"
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log encoding %q", cfg.Encoding)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.With(zap.String("service", service)), nil
}

// Must is New for process entry points, falling back to a production logger.
func Must(cfg config.LogConfig, service string) *zap.Logger {
	logger, err := New(cfg, service)
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Warn("invalid log config, using defaults", zap.Error(err))
	}
	return logger
}
