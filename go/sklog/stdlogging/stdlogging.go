// Package stdlogging implements sklogimpl.Logger and logs to a SyncWriter
// such as os.Stderr.
package stdlogging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.skia.org/autophone/go/sklog/sklogimpl"
)

// SyncWriter is an io.Writer that can also be synced, e.g. os.Stderr.
type SyncWriter interface {
	io.Writer
	Sync() error
}

type stdlog struct {
	mtx sync.Mutex
	dst SyncWriter
}

// New returns a sklogimpl.Logger that writes to a SyncWriter, such as
// os.Stdout or os.Stderr.
func New(dst SyncWriter) sklogimpl.Logger {
	return &stdlog{dst: dst}
}

// Line formats one log line in the fixed layout shared by all backends:
//
//	I2024-06-01T12:03:04.000005Z worker.go:217 device-1 is healthy
//
// depth counts the stack frames between Line's caller and the original
// logging call; 0 attributes the line to Line's direct caller.
func Line(severity sklogimpl.Severity, depth int, ts time.Time, format string, args ...interface{}) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		file, line = "???", 0
	}
	var msg string
	if format == "" {
		msg = fmt.Sprint(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
	}
	return fmt.Sprintf("%s%s %s:%d %s\n", severity.String(), ts.UTC().Format("2006-01-02T15:04:05.000000Z"), filepath.Base(file), line, msg)
}

// Log implements sklogimpl.Logger.
func (s *stdlog) Log(depth int, severity sklogimpl.Severity, format string, args ...interface{}) {
	out := Line(severity, depth+1, time.Now(), format, args...)
	s.mtx.Lock()
	_, _ = s.dst.Write([]byte(out))
	s.mtx.Unlock()
	if severity == sklogimpl.Fatal {
		_ = s.dst.Sync()
		os.Exit(255)
	}
}

// Flush implements sklogimpl.Logger.
func (s *stdlog) Flush() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_ = s.dst.Sync()
}
