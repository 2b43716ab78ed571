// Package logging provides the logger used across the pipeline. Components
// depend on the small Logger interface so tests can swap in a silent
// implementation; the default implementation is backed by zap.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface consumed by all components. Fields are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// ZapLogger implements Logger on top of a zap SugaredLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// Options controls logger construction.
type Options struct {
	// Debug enables debug-level output.
	Debug bool
	// Quiet raises the threshold to warnings only.
	Quiet bool
	// JSON switches from console encoding to JSON encoding.
	JSON bool
}

// New creates the default zap-backed logger.
func New(opts Options) (*ZapLogger, error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}
	if opts.Quiet {
		level = zapcore.WarnLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	if !opts.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{sugar: base.Sugar()}, nil
}

// Must creates the default logger and panics on failure. Intended for
// command entry points where a broken logger means nothing can proceed.
func Must(opts Options) *ZapLogger {
	l, err := New(opts)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) { l.sugar.Debugw(msg, fields...) }
func (l *ZapLogger) Info(msg string, fields ...interface{})  { l.sugar.Infow(msg, fields...) }
func (l *ZapLogger) Warn(msg string, fields ...interface{})  { l.sugar.Warnw(msg, fields...) }
func (l *ZapLogger) Error(msg string, fields ...interface{}) { l.sugar.Errorw(msg, fields...) }

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error { return l.sugar.Sync() }

// NopLogger discards everything. Used in tests and as the fallback when a
// component is constructed without a logger.
type NopLogger struct{}

func (NopLogger) Debug(msg string, fields ...interface{}) {}
func (NopLogger) Info(msg string, fields ...interface{})  {}
func (NopLogger) Warn(msg string, fields ...interface{})  {}
func (NopLogger) Error(msg string, fields ...interface{}) {}

// Nop returns a Logger that discards all output.
func Nop() Logger { return NopLogger{} }
