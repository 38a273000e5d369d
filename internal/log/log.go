// Package log configures the process-wide logrus logger and hands out
// component-scoped entries, mirroring the log-level wiring of
// pkg/flags.ConfigureAndParse in the teacher repo.
package log

import (
	"github.com/sirupsen/logrus"
)

// Configure sets the global logrus level and formatter. level must be one
// of the strings accepted by logrus.ParseLevel ("panic", "fatal", "error",
// "warn", "info", "debug", "trace").
func Configure(level string, json bool) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(parsed)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// WithComponent returns a logger entry tagged with "component", the
// convention used by every server in controller/ in the teacher repo.
func WithComponent(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
