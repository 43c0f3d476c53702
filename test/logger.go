// Package test holds helpers shared by the package tests.
package test

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger for tests. Output is discarded unless TEST_LOGS
// is set, to 1 for info, 2 for debug, 3 for trace or to any logrus level
// name.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	l.SetLevel(levelOf(v))
	return l
}

// NewCapturingLogger is NewLogger with every entry at debug and above also
// kept by the returned hook.
func NewCapturingLogger() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if l.Level < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}

func levelOf(v string) logrus.Level {
	if n, err := strconv.Atoi(v); err == nil {
		switch n {
		case 2:
			return logrus.DebugLevel
		case 3:
			return logrus.TraceLevel
		default:
			return logrus.InfoLevel
		}
	}

	lvl, err := logrus.ParseLevel(v)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
