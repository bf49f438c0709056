//go:generate go run golang.org/x/tools/cmd/stringer -type=Level -linecomment=true

package log

import (
	"strings"
)

// Level parametrizes supported log verbosity levels.
type Level int

const (
	// Debug messages trace application-level behaviors.
	Debug Level = iota // DEBUG
	// Info messages convey general events.
	Info // INFO
	// Warn messages describe non-erroring divergences from the ideal code path.
	Warn // WARN
	// Error messages indicate behavior that is not intended and should be corrected.
	Error // ERROR
)

// ParseLevel looks up a Level constant by its stringified (case-insensitive) representation. The
// fallback for an unrecognized name is the least verbose level.
func ParseLevel(level string) (Level, bool) {
	for _, known := range []Level{Debug, Info, Warn, Error} {
		if strings.EqualFold(level, known.String()) {
			return known, true
		}
	}

	return Error, false
}

// Enables indicates whether the current log level enables logging at another level: Debug enables
// everything, while Error enables only Error.
func (l Level) Enables(other Level) bool {
	return l <= other
}
