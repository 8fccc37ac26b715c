// Package filelogging implements sklogimpl.Logger on top of a log file that
// rotates at UTC midnight, keeps a bounded number of daily archives, filters
// by a minimum severity, and elides configured secrets from every line.
package filelogging

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog/sklogimpl"
	"go.skia.org/autophone/go/sklog/stdlogging"
)

const (
	// Redaction marker written in place of each configured secret.
	elided = "*elided*"

	// dayFormat is both the rotation granularity and the archive suffix.
	dayFormat = "2006-01-02"
)

// ParseSeverity maps the loglevel option values to a severity.
func ParseSeverity(s string) (sklogimpl.Severity, error) {
	switch strings.ToLower(s) {
	case "debug":
		return sklogimpl.Debug, nil
	case "info":
		return sklogimpl.Info, nil
	case "warning":
		return sklogimpl.Warning, nil
	case "error":
		return sklogimpl.Error, nil
	}
	return sklogimpl.Info, skerr.Fmt("unknown loglevel %q", s)
}

// Logger writes log lines to a daily-rotating file.
type Logger struct {
	mtx      sync.Mutex
	path     string
	min      sklogimpl.Severity
	keepDays int

	secretsMtx sync.RWMutex
	secrets    []string

	f   *os.File
	day string

	// now is a test hook; time.Now in production.
	now func() time.Time
}

// New opens (appending) the log file at path. Lines below min severity are
// dropped. keepDays archives are retained. Each of secrets is replaced with
// a redaction marker at write time; credentials that are only known after
// configuration loads can be added later with SetSecrets.
func New(path string, min sklogimpl.Severity, keepDays int, secrets []string) (*Logger, error) {
	l := &Logger{
		path:     path,
		min:      min,
		keepDays: keepDays,
		secrets:  secrets,
		now:      time.Now,
	}
	if err := l.open(); err != nil {
		return nil, skerr.Wrapf(err, "opening logfile %s", path)
	}
	return l, nil
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return skerr.Wrap(err)
	}
	l.f = f
	l.day = l.now().UTC().Format(dayFormat)
	return nil
}

// rotateLocked renames the current file to <path>.<day> and opens a fresh
// one. Callers hold l.mtx.
func (l *Logger) rotateLocked() {
	_ = l.f.Close()
	archived := l.path + "." + l.day
	// A pre-existing archive for the same day (restart after rotation) is
	// kept; the new lines begin a fresh file either way.
	if _, err := os.Stat(archived); os.IsNotExist(err) {
		_ = os.Rename(l.path, archived)
	}
	_ = l.open()
	l.pruneLocked()
}

// pruneLocked deletes archives beyond keepDays, oldest first.
func (l *Logger) pruneLocked() {
	matches, err := filepath.Glob(l.path + ".*")
	if err != nil {
		return
	}
	var archives []string
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, l.path+".")
		if _, err := time.Parse(dayFormat, suffix); err == nil {
			archives = append(archives, m)
		}
	}
	sort.Strings(archives)
	for len(archives) > l.keepDays {
		_ = os.Remove(archives[0])
		archives = archives[1:]
	}
}

// SetSecrets replaces the set of strings elided from every line.
func (l *Logger) SetSecrets(secrets []string) {
	l.secretsMtx.Lock()
	defer l.secretsMtx.Unlock()
	l.secrets = secrets
}

func (l *Logger) scrub(s string) string {
	l.secretsMtx.RLock()
	defer l.secretsMtx.RUnlock()
	for _, secret := range l.secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, elided)
	}
	return s
}

// Log implements sklogimpl.Logger.
func (l *Logger) Log(depth int, severity sklogimpl.Severity, format string, args ...interface{}) {
	if severity < l.min {
		return
	}
	ts := l.now()
	line := l.scrub(stdlogging.Line(severity, depth+1, ts, format, args...))

	l.mtx.Lock()
	if day := ts.UTC().Format(dayFormat); day != l.day {
		l.rotateLocked()
	}
	_, _ = l.f.WriteString(line)
	l.mtx.Unlock()

	if severity == sklogimpl.Fatal {
		l.Flush()
		os.Exit(255)
	}
}

// Flush implements sklogimpl.Logger.
func (l *Logger) Flush() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	_ = l.f.Sync()
}
