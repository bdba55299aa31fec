// Package logger provides a thin, context-aware wrapper around logrus used
// by every package in this module so that log output carries a consistent
// set of structured fields.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx is a set of structured fields attached to a log line.
type Ctx map[string]any

var (
	base   = logrus.New()
	baseMu sync.Mutex
)

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel changes the minimum level logged by the package-wide logger.
func SetLevel(level logrus.Level) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base.SetLevel(level)
}

// SetOutput redirects where log lines are written, e.g. to a log file.
func SetOutput(w *os.File) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base.SetOutput(w)
}

// Logger is a logger bound to a fixed set of context fields.
type Logger struct {
	entry *logrus.Entry
}

// AddContext returns a Logger that always includes the given fields.
func AddContext(ctx Ctx) Logger {
	return Logger{entry: base.WithFields(logrus.Fields(ctx))}
}

func (l Logger) with(ctx Ctx) *logrus.Entry {
	if len(ctx) == 0 {
		return l.entry
	}

	return l.entry.WithFields(logrus.Fields(ctx))
}

func (l Logger) Debug(msg string, ctx ...Ctx) { l.with(merge(ctx)).Debug(msg) }
func (l Logger) Info(msg string, ctx ...Ctx)  { l.with(merge(ctx)).Info(msg) }
func (l Logger) Warn(msg string, ctx ...Ctx)  { l.with(merge(ctx)).Warn(msg) }
func (l Logger) Error(msg string, ctx ...Ctx) { l.with(merge(ctx)).Error(msg) }

func merge(ctxs []Ctx) Ctx {
	if len(ctxs) == 0 {
		return nil
	}

	out := Ctx{}
	for _, c := range ctxs {
		for k, v := range c {
			out[k] = v
		}
	}

	return out
}

// Package-level convenience functions operate on a logger with no bound
// context, matching the style of one-off log calls scattered through a
// component that hasn't built a dedicated Logger.

func Debug(msg string, ctx ...Ctx) { AddContext(nil).Debug(msg, ctx...) }
func Info(msg string, ctx ...Ctx)  { AddContext(nil).Info(msg, ctx...) }
func Warn(msg string, ctx ...Ctx)  { AddContext(nil).Warn(msg, ctx...) }
func Error(msg string, ctx ...Ctx) { AddContext(nil).Error(msg, ctx...) }
