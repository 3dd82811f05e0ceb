// Package log builds the shared zap logger. Components receive named
// children (logger.Named("executor")) rather than constructing their own.
package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a zap.Logger at the given level ("debug", "info", "warn",
// "error"). Console encoding with ISO8601 timestamps.
func New(levelStr string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if levelStr != "" {
		if err := level.Set(strings.ToLower(levelStr)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", levelStr, err)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.TimeKey = "ts"
	encoderConfig.NameKey = "logger"

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]interface{}{"service": "signalcore"},
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Nop returns a no-op logger for tests.
func Nop() *zap.Logger { return zap.NewNop() }
