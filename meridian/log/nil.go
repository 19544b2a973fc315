package log

import "context"

// NopLogger discards everything. It is the default logger across the module
// so components never nil-check before logging.
type NopLogger struct{}

// NewNop returns the discard logger.
func NewNop() Logger {
	return &NopLogger{}
}

// Log drops the event.
func (l *NopLogger) Log(_ context.Context, _ Level, _ string, _ ...Field) {}

// With returns the receiver unchanged.
//
//nolint:ireturn
func (l *NopLogger) With(_ ...Field) Logger {
	return l
}

// WithGroup returns the receiver unchanged.
//
//nolint:ireturn
func (l *NopLogger) WithGroup(_ string) Logger {
	return l
}

// Enabled reports false for every level.
func (l *NopLogger) Enabled(_ Level) bool {
	return false
}

// Sync has nothing to flush.
func (l *NopLogger) Sync(_ context.Context) error { return nil }
