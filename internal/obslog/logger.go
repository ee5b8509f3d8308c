// Package obslog provides the logging capability shared by every core
// component. It keeps the small leveled-logger shape the whole codebase
// talks to, backed by a real structured logger instead of a bare
// wrapper around the standard library's log.Logger.
package obslog

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is the capability every component depends on. It is
// intentionally small: a handful of leveled print methods plus a
// runtime debug toggle, so any embedding application can supply its
// own implementation without pulling in this package's dependencies.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}

var levelColor = map[logrus.Level]*color.Color{
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.DebugLevel: color.New(color.FgCyan),
	logrus.FatalLevel: color.New(color.FgHiRed, color.Bold),
}

// colorFormatter paints the level column only; the rest of the line is
// plain text. Coloring is skipped when color.NoColor is set, which
// fatih/color decides from stdout (not stderr) and TERM=dumb.
type colorFormatter struct {
	name string
	use  bool
}

func (f *colorFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := entry.Level.String()
	if f.use {
		if c, ok := levelColor[entry.Level]; ok {
			level = c.Sprint(level)
		}
	}
	line := fmt.Sprintf("%s [%s] %s: %s\n", entry.Time.Format("15:04:05.000"), level, f.name, entry.Message)
	return []byte(line), nil
}

// DefaultLogger is the logger used when no embedding application
// supplies its own. It wraps logrus rather than reinventing level
// handling on top of the standard library's log.Logger.
type DefaultLogger struct {
	entry *logrus.Logger
	name  string
}

// NewDefaultLogger creates a logger that writes to stderr, named after
// the component that owns it (e.g. "ordering", "noderuntime").
func NewDefaultLogger(name string) *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&colorFormatter{name: name, use: color.NoColor == false})
	return &DefaultLogger{entry: l, name: name}
}

func (l *DefaultLogger) Info(v ...interface{})                  { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.entry.IsLevelEnabled(logrus.DebugLevel) {
		l.entry.Debug(v...)
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.entry.IsLevelEnabled(logrus.DebugLevel) {
		l.entry.Debugf(format, v...)
	}
}

func (l *DefaultLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

// ToggleDebug flips the logger between info and debug level, returning
// the resulting debug state.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return value
}
