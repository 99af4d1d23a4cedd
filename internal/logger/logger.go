// Package logger builds the process logger and carries the log stream of the
// inference runtime into it.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON logger at the given verbosity ("debug", "info", ...).
// An empty verbosity means info.
func New(verbosity string) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, fmt.Errorf("logger verbosity %q: %w", verbosity, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// abandoned-frame warnings repeat at frame rate
	cfg.Sampling = &zap.SamplingConfig{Initial: 10, Thereafter: 100}
	return cfg.Build(zap.Fields(zap.String("service", "upscaler")))
}
