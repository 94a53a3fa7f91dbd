// Package logging builds the service's zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger for prod-like environments and a console logger
// for dev/local. An empty level means debug in dev and info elsewhere.
func New(level, env string) (*zap.Logger, zap.AtomicLevel, error) {
	dev := isDev(env)
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	lvl, err := resolveLevel(level, dev)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	cfg.Level = lvl
	cfg.DisableStacktrace = !dev

	log, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("build logger: %w", err)
	}
	return log.With(zap.String("service", "garagemsg")), lvl, nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "", "dev", "development", "local", "test":
		return true
	}
	return false
}

func resolveLevel(level string, dev bool) (zap.AtomicLevel, error) {
	if strings.TrimSpace(level) == "" {
		if dev {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	var l zapcore.Level
	if err := l.Set(level); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zap.NewAtomicLevelAt(l), nil
}
