// Package logging installs the process-wide zap logger. Packages import it so that its init
// runs before their own package loggers are derived from zap.L().
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	zap.ReplaceGlobals(l)
}

// For returns the global logger tagged with the package name.
func For(pkg string) *zap.Logger {
	return zap.L().With(zap.String("package", pkg))
}

// SetLevel changes the level of every logger derived from the global one.
func SetLevel(name string) error {
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("logging: invalid level '%s': %w", name, err)
	}
	level.SetLevel(lvl)
	return nil
}
