// Package logger provides the leveled process logger used for local warnings.
// It never carries telemetry events; those go through the telemetry Dispatcher.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel orders messages by importance.
type LogLevel int

const (
	TRACE LogLevel = 10
	DEBUG LogLevel = 20
	INFO  LogLevel = 30
	WARN  LogLevel = 40
	ERROR LogLevel = 50
	FATAL LogLevel = 60
)

var levels = []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, FATAL}

func (lv LogLevel) String() string {
	switch lv {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	}
	return fmt.Sprintf("LEVEL(%d)", int(lv))
}

// ParseLevel accepts a level name in any case.
func ParseLevel(name string) (LogLevel, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, lv := range levels {
		if lv.String() == name {
			return lv, nil
		}
	}
	return 0, fmt.Errorf("invalid log level: %q", name)
}

// sink is the state shared by a logger and its named children.
type sink struct {
	mu         sync.Mutex
	w          io.Writer
	level      LogLevel
	showHealth bool
	exit       func(int)
}

// AppLogger writes single-line messages, "[time] LEVEL name: message", to a
// writer. The process logger goes to stderr so it never interleaves with the
// console telemetry stream on stdout.
type AppLogger struct {
	name string
	out  *sink
}

var (
	processLogger *AppLogger
	processOnce   sync.Once
)

// GetAppLogger returns the process-wide logger. Components receive their
// logger explicitly and fall back to this one when none is given.
func GetAppLogger() *AppLogger {
	processOnce.Do(func() {
		processLogger = New(os.Stderr, WARN)
	})
	return processLogger
}

// New creates a logger writing to w at the given minimum level.
func New(w io.Writer, level LogLevel) *AppLogger {
	return &AppLogger{out: &sink{w: w, level: level, exit: os.Exit}}
}

// Discard returns a logger that writes nothing.
func Discard() *AppLogger {
	return New(io.Discard, FATAL+1)
}

// Named returns a child logger that tags its lines with name. Level and
// output changes on either logger apply to both.
func (l *AppLogger) Named(name string) *AppLogger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return &AppLogger{name: name, out: l.out}
}

func (l *AppLogger) SetLogLevel(level LogLevel) {
	l.out.mu.Lock()
	l.out.level = level
	l.out.mu.Unlock()
}

// SetLogLevelFromString sets the level by name, leaving it unchanged on error.
func (l *AppLogger) SetLogLevelFromString(name string) error {
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	l.SetLogLevel(level)
	return nil
}

// SetShowHealth toggles logging of health probes.
func (l *AppLogger) SetShowHealth(show bool) {
	l.out.mu.Lock()
	l.out.showHealth = show
	l.out.mu.Unlock()
}

func (l *AppLogger) IsHealthLoggingEnabled() bool {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.showHealth
}

// Enabled reports whether messages at level would be written.
func (l *AppLogger) Enabled(level LogLevel) bool {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return level >= l.out.level
}

func (l *AppLogger) logf(level LogLevel, health bool, format string, args ...any) {
	s := l.out
	s.mu.Lock()
	skip := level < s.level || (health && !s.showHealth)
	s.mu.Unlock()
	if skip {
		return
	}

	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteString("] ")
	b.WriteString(level.String())
	if l.name != "" {
		b.WriteByte(' ')
		b.WriteString(l.name)
	}
	b.WriteString(": ")
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')

	s.mu.Lock()
	_, _ = io.WriteString(s.w, b.String())
	exit := s.exit
	s.mu.Unlock()

	if level == FATAL {
		exit(1)
	}
}

func (l *AppLogger) Trace(format string, args ...any) { l.logf(TRACE, false, format, args...) }
func (l *AppLogger) Debug(format string, args ...any) { l.logf(DEBUG, false, format, args...) }
func (l *AppLogger) Info(format string, args ...any)  { l.logf(INFO, false, format, args...) }
func (l *AppLogger) Warn(format string, args ...any)  { l.logf(WARN, false, format, args...) }
func (l *AppLogger) Error(format string, args ...any) { l.logf(ERROR, false, format, args...) }

// Fatal logs and exits the process with status 1.
func (l *AppLogger) Fatal(format string, args ...any) { l.logf(FATAL, false, format, args...) }

// Health logs at INFO, but only when health logging is switched on.
func (l *AppLogger) Health(format string, args ...any) { l.logf(INFO, true, format, args...) }
