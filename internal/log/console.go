package log

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ConsoleLogger is a simple, leveled, standard output logging engine. Concurrent emissions are
// serialized so interleaved goroutines cannot shear a log line.
type ConsoleLogger struct {
	level Level
	mutex sync.Mutex
}

// NewConsoleLogger creates a logger limited to the specified level. Only log messages that are less
// verbose than the specified level are logged.
func NewConsoleLogger(level Level) Logger {
	return &ConsoleLogger{level: level}
}

// Debug logs a debug message, if permitted by the current level.
func (l *ConsoleLogger) Debug(format string, v ...any) {
	l.log(Debug, format, v...)
}

// Info logs an informational message, if permitted by the current level.
func (l *ConsoleLogger) Info(format string, v ...any) {
	l.log(Info, format, v...)
}

// Warn logs a warning message, if permitted by the current level.
func (l *ConsoleLogger) Warn(format string, v ...any) {
	l.log(Warn, format, v...)
}

// Error logs an error message, if permitted by the current level.
func (l *ConsoleLogger) Error(format string, v ...any) {
	l.log(Error, format, v...)
}

// Level reads the current logging level.
func (l *ConsoleLogger) Level() Level {
	return l.level
}

// log logs a message to standard output with a timestamp and level indicator, if permitted by the
// current level.
func (l *ConsoleLogger) log(level Level, format string, v ...any) {
	if l.level.Enables(level) {
		l.mutex.Lock()
		defer l.mutex.Unlock()

		fmt.Fprintf(
			os.Stdout,
			"%s %s\t%s\n",
			time.Now().Format(time.RFC3339),
			level,
			fmt.Sprintf(format, v...),
		)
	}
}
