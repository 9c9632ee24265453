// Package logging builds the zap loggers used by the CLI.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to stderr at the given level, plus the handle
// that changes the level at runtime. JSON selects the production encoder;
// otherwise a colored console encoder is used.
func New(level string, json bool) (*zap.Logger, zap.AtomicLevel, error) {
	atom := zap.NewAtomicLevel()
	if err := SetLevel(atom, level); err != nil {
		return nil, atom, err
	}

	var cfg zap.Config
	if json {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = atom
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, atom, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, atom, nil
}

// SetLevel parses level and applies it to atom.
func SetLevel(atom zap.AtomicLevel, level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	atom.SetLevel(lvl)
	return nil
}
