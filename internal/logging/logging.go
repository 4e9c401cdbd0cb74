// Package logging provides structured logging for the compute side.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls log level, encoding, and destination.
type Config struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// Logger wraps zap.Logger with keys-and-values helpers.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

// New creates a Logger from configuration.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(file)
	} else {
		output = zapcore.AddSync(os.Stdout)
	}

	zapLogger := zap.New(zapcore.NewCore(encoder, output, level))
	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}, nil
}

// NewNop returns a Logger that discards everything. Used in tests.
func NewNop() *Logger {
	zapLogger := zap.NewNop()
	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}
}

// With returns a child logger with the given keys and values attached.
func (l *Logger) With(keysAndValues ...any) *Logger {
	sugar := l.sugar.With(keysAndValues...)
	return &Logger{zap: sugar.Desugar(), sugar: sugar}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.zap.Sync()
}
