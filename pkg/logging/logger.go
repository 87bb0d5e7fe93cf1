// Package logging provides structured logging on top of zap, teed into the
// OpenTelemetry log bridge.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"execution_core/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultService is the instrumentation scope used for the OTel bridge
const DefaultService = "execution_core"

// Options controls logger construction
type Options struct {
	Level   string
	Service string
	JSON    bool
	Output  io.Writer
}

// ZapLogger implements core.ILogger using zap.Logger
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a console logger at the given level
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	return New(Options{Level: levelStr})
}

// New builds a ZapLogger from options
func New(opts Options) (*ZapLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil && opts.Level != "" {
		return nil, err
	}
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	stdCore := zapcore.NewCore(encoder, zapcore.AddSync(opts.Output), level)
	otelCore := otelzap.NewCore(opts.Service, otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	logger := zap.New(zapcore.NewTee(stdCore, otelCore), zap.AddCaller(), zap.AddCallerSkip(1))
	return &ZapLogger{logger: logger}, nil
}

// ParseLevel parses a log level string. Unknown levels map to INFO with an error.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zap.DebugLevel, nil
	case "INFO", "":
		return zap.InfoLevel, nil
	case "WARN":
		return zap.WarnLevel, nil
	case "ERROR":
		return zap.ErrorLevel, nil
	case "FATAL":
		return zap.FatalLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// convertToZapFields converts variadic key/value pairs to zap fields
func (l *ZapLogger) convertToZapFields(fields []interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			zapFields = append(zapFields, zap.Any("_extra", fields[i]))
			break
		}
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		if err, isErr := fields[i+1].(error); isErr {
			zapFields = append(zapFields, zap.NamedError(key, err))
			continue
		}
		zapFields = append(zapFields, zap.Any(key, fields[i+1]))
	}
	return zapFields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// NopLogger discards everything. Used by tests and optional collaborators.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{})                     {}
func (NopLogger) Info(string, ...interface{})                      {}
func (NopLogger) Warn(string, ...interface{})                      {}
func (NopLogger) Error(string, ...interface{})                     {}
func (NopLogger) Fatal(string, ...interface{})                     {}
func (n NopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n NopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

var globalLogger core.ILogger = NopLogger{}

func init() {
	if logger, err := NewZapLogger("INFO"); err == nil {
		globalLogger = logger
	}
}

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger core.ILogger) {
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() core.ILogger {
	return globalLogger
}
