package logging

import (
	"io"
	"io/ioutil"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	timeFormat = "2006-01-02 15:04:05"
)

// Fields ...
type Fields = logrus.Fields

// New builds a logger tagged with the service name. Every component receives
// the returned entry instead of reaching for a global.
func New(module, level string) *logrus.Entry {
	return NewWithOutput(module, level, os.Stdout)
}

// NewWithOutput ...
func NewWithOutput(module, level string, out io.Writer) *logrus.Entry {
	customFormatter := &logrus.TextFormatter{}
	customFormatter.TimestampFormat = timeFormat
	customFormatter.FullTimestamp = true

	logger := logrus.New()
	logger.SetFormatter(customFormatter)
	logger.SetOutput(out)
	logger.SetLevel(ParseLevel(level))

	entry := logger.WithFields(logrus.Fields{
		"module": module,
	})
	entry.WithFields(logrus.Fields{
		"event": "init_logger",
	}).Debug("logger initiated")
	return entry
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Entry {
	return NewWithOutput("test", "error", ioutil.Discard)
}

// ParseLevel maps config values onto logrus levels, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch level {
	case "error":
		return logrus.ErrorLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}
