// Package logger provides structured logging for the crawl engine.
package logger

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Interface defines the logger interface used throughout the engine.
type Interface interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Fatal(msg string, fields ...any)
	With(fields ...any) Interface
}

// Config represents the logger configuration.
type Config struct {
	// Level is the minimum logging level (debug, info, warn, error).
	Level string `mapstructure:"level"    yaml:"level"`
	// Encoding sets the output encoding: console or json.
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
	// Development enables human-friendly console output.
	Development bool `mapstructure:"development" yaml:"development"`
}

// Logger implements Interface on top of zap's sugared logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

var logLevels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"fatal": zapcore.FatalLevel,
}

// New creates a new logger from config.
func New(cfg Config) (Interface, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}

	if cfg.Encoding == "" {
		cfg.Encoding = "console"
	}

	level, ok := logLevels[cfg.Level]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
		}
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          cfg.Encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
	}

	zapLogger, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return &Logger{sugar: zapLogger.Sugar()}, nil
}

// Debug logs a debug message with key-value fields.
func (l *Logger) Debug(msg string, fields ...any) { l.sugar.Debugw(msg, fields...) }

// Info logs an info message with key-value fields.
func (l *Logger) Info(msg string, fields ...any) { l.sugar.Infow(msg, fields...) }

// Warn logs a warning message with key-value fields.
func (l *Logger) Warn(msg string, fields ...any) { l.sugar.Warnw(msg, fields...) }

// Error logs an error message with key-value fields.
func (l *Logger) Error(msg string, fields ...any) { l.sugar.Errorw(msg, fields...) }

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string, fields ...any) { l.sugar.Fatalw(msg, fields...) }

// With returns a logger with additional key-value fields attached.
func (l *Logger) With(fields ...any) Interface {
	return &Logger{sugar: l.sugar.With(fields...)}
}
