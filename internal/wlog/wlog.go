// Package wlog builds the process-wide zap loggers used by every other
// package. There is no global singleton: New returns a logger that callers
// thread through their constructors, matching the rest of the daemon's
// avoidance of package-level state.
package wlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the base logger's output.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Development enables human-readable console output instead of JSON.
	Development bool
}

// New builds a *zap.Logger from Config. Callers name the component via
// .Named() or .With(zap.String("component", ...)) at each call site.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zcfg.Build()
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
