package log

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap logger to the Logger interface. Messages are
// formatted with fmt before they reach zap; fields become structured fields.
type ZapLogger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

// NewZapLogger creates a JSON logger writing to stderr at the given level
func NewZapLogger(level Level) (*ZapLogger, error) {
	atom := zap.NewAtomicLevelAt(toZapLevel(level))

	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return &ZapLogger{base: base, level: atom}, nil
}

// NewZapLoggerFrom wraps an existing zap logger
func NewZapLoggerFrom(base *zap.Logger, level Level) *ZapLogger {
	return &ZapLogger{base: base, level: zap.NewAtomicLevelAt(toZapLevel(level))}
}

func toZapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

func fromZapLevel(l zapcore.Level) Level {
	switch {
	case l <= zapcore.DebugLevel:
		return LevelDebug
	case l == zapcore.InfoLevel:
		return LevelInfo
	case l == zapcore.WarnLevel:
		return LevelWarn
	case l == zapcore.ErrorLevel:
		return LevelError
	default:
		return LevelFatal
	}
}

func (z *ZapLogger) enabled(l Level) bool {
	return z.level.Enabled(toZapLevel(l))
}

func format(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Debug logs a debug-level message
func (z *ZapLogger) Debug(msg string, args ...interface{}) {
	if z.enabled(LevelDebug) {
		z.base.Debug(format(msg, args))
	}
}

// Info logs an info-level message
func (z *ZapLogger) Info(msg string, args ...interface{}) {
	if z.enabled(LevelInfo) {
		z.base.Info(format(msg, args))
	}
}

// Warn logs a warning-level message
func (z *ZapLogger) Warn(msg string, args ...interface{}) {
	if z.enabled(LevelWarn) {
		z.base.Warn(format(msg, args))
	}
}

// Error logs an error-level message
func (z *ZapLogger) Error(msg string, args ...interface{}) {
	if z.enabled(LevelError) {
		z.base.Error(format(msg, args))
	}
}

// Fatal logs a fatal-level message and then exits
func (z *ZapLogger) Fatal(msg string, args ...interface{}) {
	z.base.Fatal(format(msg, args))
}

// WithFields returns a new logger with the given fields added to the context
func (z *ZapLogger) WithFields(fields map[string]interface{}) Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	return &ZapLogger{base: z.base.With(zf...), level: z.level}
}

// WithField returns a new logger with the given field added to the context
func (z *ZapLogger) WithField(key string, value interface{}) Logger {
	return &ZapLogger{base: z.base.With(zap.Any(key, value)), level: z.level}
}

// GetLevel returns the current logging level
func (z *ZapLogger) GetLevel() Level {
	return fromZapLevel(z.level.Level())
}

// SetLevel sets the logging level; derived loggers share it
func (z *ZapLogger) SetLevel(level Level) {
	z.level.SetLevel(toZapLevel(level))
}

// Sync flushes buffered entries
func (z *ZapLogger) Sync() error {
	return z.base.Sync()
}
