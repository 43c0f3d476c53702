package spihd

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/config"
)

var logFormats = []string{"text", "json"}

// configLogger applies the logging section of c to l.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	f, err := newFormatter(
		c.GetString("logging.format", "text"),
		c.GetString("logging.timestamp_format", ""),
		c.GetBool("logging.disable_timestamp", false),
	)
	if err != nil {
		return err
	}

	l.SetLevel(level)
	l.Formatter = f
	return nil
}

// newFormatter returns a text or json formatter. An empty timestampFormat
// selects RFC 3339, text logs then show the time since start instead of a
// full timestamp.
func newFormatter(format, timestampFormat string, disableTimestamp bool) (logrus.Formatter, error) {
	full := timestampFormat != ""
	if !full {
		timestampFormat = time.RFC3339
	}

	switch strings.ToLower(format) {
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    full,
			DisableTimestamp: disableTimestamp,
		}, nil
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: disableTimestamp,
		}, nil
	}
	return nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
}
