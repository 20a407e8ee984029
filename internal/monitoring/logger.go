// Package monitoring holds the process-wide logger and OpenTelemetry
// instruments shared by the pipeline packages.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

// Logf is the package-level diagnostic logger. It defaults to the shared
// logrus logger at info level but may be replaced by SetLogger. Tests or
// production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = logger.Infof

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Logger returns the shared structured logger.
func Logger() *logrus.Logger {
	return logger
}

// SetLogger replaces the package Logf function. Passing nil will set a no-op
// logger and discard structured output as well.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		logger.SetOutput(io.Discard)
		return
	}
	Logf = f
}

// SetOutput redirects structured log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logger.SetOutput(w)
}

// Configure applies a level ("debug", "info", ...) and a format ("json" or
// "text") to the shared logger.
func Configure(level, format string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		logger.SetLevel(lvl)
	}
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// WithSession returns an entry tagged with the session id.
func WithSession(sessionID string) *logrus.Entry {
	return logger.WithField("session_id", sessionID)
}
