package log

// Logger is the leveled logging interface shared by every logging engine.
type Logger interface {
	// Debug logs a message tracing application-level behavior.
	Debug(format string, v ...any)

	// Info logs a general informational message.
	Info(format string, v ...any)

	// Warn logs a recoverable divergence from the ideal code path.
	Warn(format string, v ...any)

	// Error logs unintended behavior that should be corrected.
	Error(format string, v ...any)

	// Level returns the currently configured logging level.
	Level() Level
}
