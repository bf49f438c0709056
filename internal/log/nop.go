package log

// NopLogger is a logging engine that discards all messages. It exists mostly to keep tests and
// optional components quiet without nil checks at call sites.
type NopLogger struct{}

// NewNopLogger creates a logger that does nothing.
func NewNopLogger() Logger {
	return &NopLogger{}
}

// Debug noops.
func (l *NopLogger) Debug(format string, v ...any) {}

// Info noops.
func (l *NopLogger) Info(format string, v ...any) {}

// Warn noops.
func (l *NopLogger) Warn(format string, v ...any) {}

// Error noops.
func (l *NopLogger) Error(format string, v ...any) {}

// Level reads the current logging level; for a nop logger this is always Error.
func (l *NopLogger) Level() Level {
	return Error
}
