// Package logging builds the bridge daemon's structured logger. The
// teacher logs through bare log.Printf calls (server.go, client.go);
// this package replaces that with go.uber.org/zap, already present in
// the teacher's own dependency graph as an indirect pull-in of
// go.etcd.io/etcd/client/v3, promoted here to a direct, explicit
// dependency and the daemon's only logging path.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger's level and encoding.
type Config struct {
	Level string // debug|info|warn|error
	JSON  bool   // true for production JSON encoding, false for console
}

// New builds a *zap.Logger per Config, along with the zap.AtomicLevel
// backing it so a caller can rebind the level at runtime (e.g. on a
// config file reload) without rebuilding the logger. An unrecognized
// Level falls back to info rather than erroring — a malformed level
// string should not prevent the daemon from starting.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if !cfg.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, zc.Level, nil
}

// SetLevel rebinds level to s, falling back to info on an unrecognized
// string so a malformed live edit doesn't silently mute the logger.
func SetLevel(level zap.AtomicLevel, s string) {
	parsed, ok := parseLevel(s)
	if !ok {
		parsed = zapcore.InfoLevel
	}
	level.SetLevel(parsed)
}

func parseLevel(s string) (zapcore.Level, bool) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, false
	}
	return l, true
}
