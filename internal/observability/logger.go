// Package observability provides the structured logging facade used across
// the service. Handlers and pools depend on the Logger interface only; the
// zap-backed implementation is wired once at startup.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides leveled structured logging.
type Logger interface {
	// Debug logs a debug-level message with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs an info-level message with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning-level message with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs an error-level message with optional structured fields.
	Error(msg string, fields ...Field)

	// With creates a child logger whose entries all carry the given fields.
	With(fields ...Field) Logger
}

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates an int64 field.
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Float64 creates a float64 field.
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Error creates an error field.
func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any creates a field with any value type.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type zapLogger struct {
	base *zap.Logger
}

// New builds a zap-backed Logger. level accepts the configuration vocabulary
// none, fatal, critical, error, warning, info, debug and spam; environment
// selects the JSON encoder for production and the console encoder otherwise.
func New(level, environment string) (Logger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if strings.EqualFold(environment, "production") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	return &zapLogger{base: base}, nil
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() Logger {
	return &zapLogger{base: zap.NewNop()}
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "none":
		// Nothing above Fatal is emitted in practice.
		return zapcore.FatalLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	case "critical", "error":
		return zapcore.ErrorLevel, nil
	case "warning", "warn":
		return zapcore.WarnLevel, nil
	case "debug", "spam":
		return zapcore.DebugLevel, nil
	default:
		return zapcore.InvalidLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func (l *zapLogger) Debug(msg string, fields ...Field) {
	l.base.Debug(msg, toZap(fields)...)
}

func (l *zapLogger) Info(msg string, fields ...Field) {
	l.base.Info(msg, toZap(fields)...)
}

func (l *zapLogger) Warn(msg string, fields ...Field) {
	l.base.Warn(msg, toZap(fields)...)
}

func (l *zapLogger) Error(msg string, fields ...Field) {
	l.base.Error(msg, toZap(fields)...)
}

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{base: l.base.With(toZap(fields)...)}
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, v))
		case int:
			out = append(out, zap.Int(f.Key, v))
		case int64:
			out = append(out, zap.Int64(f.Key, v))
		case float64:
			out = append(out, zap.Float64(f.Key, v))
		case bool:
			out = append(out, zap.Bool(f.Key, v))
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}
