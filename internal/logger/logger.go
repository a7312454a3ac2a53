// Package logger provides the named-component logging used throughout the
// engine, in the shape of rain's logger.New("session") / l.Debugln API,
// backed by logrus. Logging configuration is process-wide and read-only
// after Init: exactly one mutable global, set once.
package logger

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	initOnce sync.Once
	base     = logrus.New()
)

// Init configures the process-wide log level. Safe to call once; later
// calls are no-ops. Mirrors the "global mutable logging state" design
// note: a single initialize_once(level), thereafter read-only.
func Init(level logrus.Level) {
	initOnce.Do(func() {
		base.SetLevel(level)
	})
}

// Logger is a named logging facade for one component (e.g. "dht",
// "peer <- 1.2.3.4:6881", "resolver").
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger tagged with the given component name.
func New(component string) Logger {
	return Logger{entry: base.WithField("component", component)}
}

func (l Logger) Debugln(args ...interface{}) { l.entry.Debugln(args...) }
func (l Logger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}
func (l Logger) Infoln(args ...interface{}) { l.entry.Infoln(args...) }
func (l Logger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}
func (l Logger) Info(args ...interface{}) { l.entry.Info(args...) }
func (l Logger) Warningln(args ...interface{}) {
	l.entry.Warningln(args...)
}
func (l Logger) Warningf(format string, args ...interface{}) {
	l.entry.Warningf(format, args...)
}
func (l Logger) Errorln(args ...interface{}) { l.entry.Errorln(args...) }
func (l Logger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}
func (l Logger) Error(args ...interface{}) { l.entry.Error(args...) }

// With returns a child logger with an additional field, used when a
// single component logs about many sub-objects (one entry per
// transaction, per peer endpoint, etc).
func (l Logger) With(key string, value interface{}) Logger {
	return Logger{entry: l.entry.WithField(key, value)}
}
