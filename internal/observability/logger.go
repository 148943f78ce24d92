package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerOptions struct {
	Level     string
	File      string
	MaxSizeMB int
}

type Logger struct {
	base *zap.Logger
}

func NewLogger(options LoggerOptions) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(parseLevel(options.Level))
	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if file := strings.TrimSpace(options.File); file != "" {
		maxSize := options.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSize,
			MaxBackups: 5,
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.NewMultiWriteSyncer(sinks...), level)
	return &Logger{base: zap.New(core)}
}

// NewNopLogger discards everything. Used by tests and by components built without a logger.
func NewNopLogger() *Logger {
	return &Logger{base: zap.NewNop()}
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.base.Debug(message, toFields(fields)...)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.base.Info(message, toFields(fields)...)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.base.Warn(message, toFields(fields)...)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.base.Error(message, toFields(fields)...)
}

func (l *Logger) Sync() error {
	return l.base.Sync()
}

func toFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func parseLevel(value string) zapcore.Level {
	level, err := zapcore.ParseLevel(strings.TrimSpace(strings.ToLower(value)))
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
