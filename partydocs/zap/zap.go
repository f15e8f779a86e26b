// Package zap provides the zap-backed implementation of the pipeline
// logging contract.
package zap

import (
	"context"

	logpkg "github.com/meridianpm/lib-partydocs/partydocs/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a strict structured logger that implements log.Logger.
//
// It intentionally does not expose printf/line/fatal helpers.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

func (logger *Logger) must() *zap.Logger {
	if logger == nil || logger.logger == nil {
		return zap.NewNop()
	}

	return logger.logger
}

// Log implements log.Logger. If ctx carries an active OpenTelemetry span,
// trace_id and span_id are appended so logs correlate with traces.
func (logger *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zapFields := logFieldsToZap(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	switch level {
	case logpkg.LevelDebug:
		logger.must().Debug(msg, zapFields...)
	case logpkg.LevelInfo:
		logger.must().Info(msg, zapFields...)
	case logpkg.LevelWarn:
		logger.must().Warn(msg, zapFields...)
	case logpkg.LevelError:
		logger.must().Error(msg, zapFields...)
	default:
		logger.must().Info(msg, zapFields...)
	}
}

// With returns a child logger with additional structured fields.
//
//nolint:ireturn
func (logger *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{
		logger:      logger.must().With(logFieldsToZap(fields)...),
		atomicLevel: logger.atomicLevel,
	}
}

// WithGroup returns a child logger that nests subsequent fields under a
// namespace.
//
//nolint:ireturn
func (logger *Logger) WithGroup(name string) logpkg.Logger {
	return &Logger{
		logger:      logger.must().With(zap.Namespace(name)),
		atomicLevel: logger.atomicLevel,
	}
}

// Enabled reports whether the logger would emit a log at the given level.
func (logger *Logger) Enabled(level logpkg.Level) bool {
	return logger.must().Core().Enabled(logLevelToZap(level))
}

// Sync flushes buffered logs, respecting context cancellation.
func (logger *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- logger.must().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Raw returns the underlying zap logger.
func (logger *Logger) Raw() *zap.Logger {
	return logger.must()
}

// Level returns the runtime-adjustable level handle for this logger.
func (logger *Logger) Level() zap.AtomicLevel {
	return logger.atomicLevel
}

func logLevelToZap(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelInfo:
		return zapcore.InfoLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logFieldsToZap(fields []logpkg.Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, field := range fields {
		zapFields[i] = zap.Any(field.Key, field.Value)
	}

	return zapFields
}
