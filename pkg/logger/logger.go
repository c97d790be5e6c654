// Package logger provides the leveled, colored console logging used by all
// three binaries (mediator, sender, receiver). It keeps a small
// printf-style API familiar to callers while delegating formatting and
// leveling to logrus, so structured fields (peer port, sequence number,
// datagram kind) can be attached where useful.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log levels, kept for API compatibility with callers that select a level
// by name rather than reaching into logrus directly.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return l
}

// SetLevel sets the minimum level that will be emitted.
func SetLevel(level int) {
	switch level {
	case LevelDebug:
		base.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		base.SetLevel(logrus.WarnLevel)
	case LevelError:
		base.SetLevel(logrus.ErrorLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}
}

// SetJSON switches the formatter between colored text (the default) and
// newline-delimited JSON, for piping process output into a log collector.
func SetJSON(enabled bool) {
	if enabled {
		base.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
}

// Fields is a map of structured fields attached to a log line, e.g. the
// peer's virtual port or a packet's sequence number.
type Fields = logrus.Fields

// Entry wraps a logrus.Entry to keep the leveled convenience methods below
// available on the result of WithFields.
type Entry struct{ e *logrus.Entry }

// WithFields returns an Entry carrying structured fields that will be
// attached to whichever leveled method is called on it.
func WithFields(fields Fields) *Entry {
	return &Entry{e: base.WithFields(fields)}
}

func (en *Entry) Debugf(format string, args ...interface{}) { en.e.Debugf(format, args...) }
func (en *Entry) Infof(format string, args ...interface{})  { en.e.Infof(format, args...) }
func (en *Entry) Warnf(format string, args ...interface{})  { en.e.Warnf(format, args...) }
func (en *Entry) Errorf(format string, args ...interface{}) { en.e.Errorf(format, args...) }

// Debug logs a debug-level message.
func Debug(format string, args ...interface{}) { base.Debugf(format, args...) }

// Info logs an info-level message.
func Info(format string, args ...interface{}) { base.Infof(format, args...) }

// Warn logs a warn-level message.
func Warn(format string, args ...interface{}) { base.Warnf(format, args...) }

// Error logs an error-level message.
func Error(format string, args ...interface{}) { base.Errorf(format, args...) }

// Success logs an info-level message tagged as a success, to keep the
// "good news is visually distinct" texture of the original console logger.
func Success(format string, args ...interface{}) {
	base.WithField("result", "ok").Infof(format, args...)
}

// Fatal logs an error-level message and terminates the process.
func Fatal(format string, args ...interface{}) {
	base.Fatalf(format, args...)
}

// Section prints a plain section header, used to break up startup output.
func Section(title string) {
	border := "───────────────────────────────────────────"
	base.Infof("%s", border)
	base.Infof("%s", title)
	base.Infof("%s", border)
}

// Banner prints the startup banner for a binary.
func Banner(name, version string) {
	base.Infof("%s v%s", name, version)
}
