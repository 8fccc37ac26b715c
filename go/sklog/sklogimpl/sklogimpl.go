// Package sklogimpl carries the indirection between the sklog logging
// functions and the concrete logger, so that backends can be swapped without
// touching call sites.
package sklogimpl

import (
	"sync/atomic"
)

// Severity identifies the severity of a log line.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// String returns the one-letter tag used in log lines.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "D"
	case Info:
		return "I"
	case Warning:
		return "W"
	case Error:
		return "E"
	case Fatal:
		return "F"
	}
	return "?"
}

// AllSeverities lists every severity, for metrics registration.
var AllSeverities = []Severity{Debug, Info, Warning, Error, Fatal}

// Logger is the interface a logging backend implements. depth is the number
// of stack frames between Log and the original logging call. When format is
// empty the args are formatted as fmt.Sprint would.
type Logger interface {
	Log(depth int, severity Severity, format string, args ...interface{})
	Flush()
}

var logger atomic.Value // of Logger

// SetLogger installs the backend. Must be called before any logging; the
// sklog package does so from an init function.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log forwards one log call to the installed backend.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	(*logger.Load().(*Logger)).Log(depth+1, severity, format, args...)
}

// Flush flushes the installed backend.
func Flush() {
	(*logger.Load().(*Logger)).Flush()
}
