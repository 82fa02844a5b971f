// Package mslog wraps the process-wide logrus logger so subsystems log
// through one consistently configured entry point.
package mslog // import "github.com/microsentinel/agent/internal/mslog"

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logger for agent use: second-resolution
// timestamps and full timestamps even on a TTY. verbose enables debug
// output.
func Setup(verbose bool) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// With returns an entry tagged with the given subsystem name.
func With(subsystem string) *logrus.Entry {
	return logrus.WithField("subsystem", subsystem)
}

func Debugf(format string, args ...any) { logrus.Debugf(format, args...) }

func Infof(format string, args ...any) { logrus.Infof(format, args...) }

func Warnf(format string, args ...any) { logrus.Warnf(format, args...) }

func Errorf(format string, args ...any) { logrus.Errorf(format, args...) }
