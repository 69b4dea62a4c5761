// Package log provides structured logging for tarsier using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with tarsier-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// ISO8601 timestamps under a short key, in both modes
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// StageStart logs a pipeline stage transition to running.
func (l *Logger) StageStart(id, label string) {
	l.Debug("stage", zap.String("id", id), zap.String("status", "running"), zap.String("label", label))
}

// StageDone logs a pipeline stage completing.
func (l *Logger) StageDone(id, label string) {
	l.Debug("stage", zap.String("id", id), zap.String("status", "done"), zap.String("label", label))
}

// StageError logs a pipeline stage failing.
func (l *Logger) StageError(id string, err error) {
	l.Warn("stage", zap.String("id", id), zap.String("status", "error"), zap.Error(err))
}

// Trap logs an interpreter trap without aborting.
func (l *Logger) Trap(rip uint64, msg string) {
	l.Debug("trap", zap.String("rip", Hex(rip)), zap.String("msg", msg))
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Stage creates a stage id field.
func Stage(id string) zap.Field {
	return zap.String("stage", id)
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
