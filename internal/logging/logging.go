package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Unknown levels fall back to info.
func New(level string, appEnv string) *logrus.Logger {
	return NewWithOutput(level, appEnv, os.Stdout)
}

func NewWithOutput(level string, appEnv string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	if appEnv == "development" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

// Discard is a logger for tests and tools that should stay quiet.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
