package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	root     *zap.Logger
	rootOnce sync.Once
	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func build() *zap.Logger {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
			level.SetLevel(zapcore.InfoLevel)
		}
	}

	cfg := zap.NewProductionConfig()
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func get() *zap.Logger {
	rootOnce.Do(func() {
		root = build()
	})
	return root
}

// MustNamed returns a sugared logger scoped to the given component name.
func MustNamed(name string) *zap.SugaredLogger {
	return get().Named(name).Sugar()
}

// SetLevel changes the level of every logger created by this package.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = get().Sync()
}
