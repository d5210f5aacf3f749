package swcache

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg Config, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, errors.Wrap(err, "logging.level")
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	if cfg.Logging.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006/01/02 15:04:05.000000"})
	}
	return l, nil
}
