package log

import "context"

// NopLogger discards every log event.
type NopLogger struct{}

// NewNop creates a no-op logger.
func NewNop() Logger {
	return &NopLogger{}
}

// Log drops the event.
func (logger *NopLogger) Log(_ context.Context, _ Level, _ string, _ ...Field) {}

// With returns the same no-op logger.
//
//nolint:ireturn
func (logger *NopLogger) With(_ ...Field) Logger {
	return logger
}

// WithGroup returns the same no-op logger.
//
//nolint:ireturn
func (logger *NopLogger) WithGroup(_ string) Logger {
	return logger
}

// Enabled always reports false.
func (logger *NopLogger) Enabled(_ Level) bool {
	return false
}

// Sync is a no-op.
func (logger *NopLogger) Sync(_ context.Context) error { return nil }
