// Package logging configures the zap logger shared by all coordinator
// components. Operator-facing output (plans, summaries, prompts) goes to
// stdout via fmt; the logger carries progress, escalation warnings, and
// errors on stderr.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console-encoded sugared logger. verbose enables debug-level
// output used by discovery and teardown tracing.
func New(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		// The static development config cannot fail to build; fall back to
		// a no-op logger rather than panicking in a CLI.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
