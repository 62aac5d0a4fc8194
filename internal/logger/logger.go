// Package logger constructs the process-wide logger.
package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger writing human-readable lines to stdout. The
// level comes from DROPBEAM_LOG (debug, info, warn, error), defaulting to
// info.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.TimeOnly,
	})

	level, err := logrus.ParseLevel(os.Getenv("DROPBEAM_LOG"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// NewQuietLogger returns a logger that discards everything below warning,
// for commands whose stdout is the user interface.
func NewQuietLogger() *logrus.Logger {
	log := NewLogger()
	if log.GetLevel() > logrus.WarnLevel {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}
