// Package logging defines the structured-logging interface used throughout
// the gateway. The gateway's Discovery, Proxy and Router accept a Logger
// rather than writing to a package-level global, and attach a component
// tag (discovery, proxy, router) with WithField; the MLX and foundation
// services take no Logger.
package logging

import (
	"io"
)

// Logger is a flexible logging interface implemented by the logrus-backed
// adapter in this package. Keeping it as an interface (rather than exposing
// *logrus.Logger directly) lets components depend on logging without
// depending on a specific backend.
type Logger interface {
	// WithField creates a new logger with an additional field
	WithField(key string, value interface{}) Logger
	// WithFields creates a new logger with additional fields
	WithFields(fields map[string]interface{}) Logger
	// WithError creates a new logger with an error field
	WithError(err error) Logger

	// Standard logging methods
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Printf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Panicf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Print(args ...interface{})
	Warn(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
	Panic(args ...interface{})

	Debugln(args ...interface{})
	Infoln(args ...interface{})
	Println(args ...interface{})
	Warnln(args ...interface{})
	Warningln(args ...interface{})
	Errorln(args ...interface{})
	Fatalln(args ...interface{})
	Panicln(args ...interface{})

	// Writer returns a PipeWriter that writes to the logger. Useful for
	// plumbing into io.MultiWriter sinks (e.g. the MLX load-stage tail
	// buffer in pkg/mlxmodel).
	Writer() *io.PipeWriter
}

// Component returns a child logger tagged with the "component" field, the
// convention the gateway's Discovery, Proxy and Router use to identify
// their log lines (discovery, proxy, router).
func Component(log Logger, name string) Logger {
	return log.WithField("component", name)
}
