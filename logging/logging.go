// Package logging provides the Logger interface consumed by the job
// runner, backed by logrus. Levels follow the five severities used
// throughout the job spec: CRITICAL, ERROR, WARNING, INFO, DEBUG.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level is one of the five job-runner severities, decreasing in
// severity order: Critical, Error, Warning, Info, Debug.
type Level int

const (
	Critical Level = iota
	Error
	Warning
	Info
	Debug
)

// ParseLevel maps a job-spec level name (as used by `hit logpipe`) to a
// Level. The name must be one of CRITICAL, ERROR, WARNING, INFO, DEBUG.
func ParseLevel(name string) (Level, bool) {
	switch name {
	case "CRITICAL":
		return Critical, true
	case "ERROR":
		return Error, true
	case "WARNING":
		return Warning, true
	case "INFO":
		return Info, true
	case "DEBUG":
		return Debug, true
	}
	return 0, false
}

func (l Level) String() string {
	switch l {
	case Critical:
		return "CRITICAL"
	case Error:
		return "ERROR"
	case Warning:
		return "WARNING"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	}
	return "UNKNOWN"
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case Critical:
		return logrus.FatalLevel
	case Error:
		return logrus.ErrorLevel
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	case Debug:
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

// Logger is the interface consumed by the job runner core. It is kept
// deliberately small so any logging backend can implement it.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warning(msg string)
	Error(msg string)
	Log(level Level, msg string)

	// SetLevel/GetLevel control the mutable level field described in
	// spec.md §6; GetSubLogger returns a logger scoped under name,
	// used to give each log FIFO heading its own sub-logger.
	SetLevel(level Level)
	GetLevel() Level
	GetSubLogger(name string) Logger
}

// entryLogger implements Logger on top of a logrus.Entry.
type entryLogger struct {
	entry *logrus.Entry
	level Level
}

// New builds a root Logger writing to w at the given initial level.
func New(w io.Writer, level Level) Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(level.logrusLevel())
	return &entryLogger{entry: logrus.NewEntry(base), level: level}
}

func (l *entryLogger) Debug(msg string)   { l.Log(Debug, msg) }
func (l *entryLogger) Info(msg string)    { l.Log(Info, msg) }
func (l *entryLogger) Warning(msg string) { l.Log(Warning, msg) }
func (l *entryLogger) Error(msg string)   { l.Log(Error, msg) }

func (l *entryLogger) Log(level Level, msg string) {
	if level > l.level {
		return
	}
	switch level {
	case Critical:
		l.entry.Error("[CRITICAL] " + msg)
	case Error:
		l.entry.Error(msg)
	case Warning:
		l.entry.Warn(msg)
	case Info:
		l.entry.Info(msg)
	case Debug:
		l.entry.Debug(msg)
	}
}

func (l *entryLogger) SetLevel(level Level) {
	l.level = level
	l.entry.Logger.SetLevel(level.logrusLevel())
}
func (l *entryLogger) GetLevel() Level      { return l.level }

func (l *entryLogger) GetSubLogger(name string) Logger {
	return &entryLogger{
		entry: l.entry.WithField("component", name),
		level: l.level,
	}
}
