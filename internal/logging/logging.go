// Package logging builds the process logger: one JSON object per line with
// a "ts" timestamp rendered in the application timezone.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// locFormatter renders entry timestamps in loc.
type locFormatter struct {
	logrus.Formatter
	loc *time.Location
}

func (f locFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.In(f.loc)
	return f.Formatter.Format(e)
}

// New returns a logger writing to w (stdout when nil). format is "json"
// or "text"; unknown levels fall back to info.
func New(level, format string, loc *time.Location, w io.Writer) *logrus.Logger {
	if w == nil {
		w = os.Stdout
	}
	if loc == nil {
		loc = time.UTC
	}

	log := logrus.New()
	log.SetOutput(w)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	var f logrus.Formatter
	if strings.EqualFold(format, "text") {
		f = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano}
	} else {
		f = &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
		}
	}
	log.SetFormatter(locFormatter{Formatter: f, loc: loc})
	return log
}

// Discard returns a logger that drops everything; handy for tests and
// for components constructed without a logger.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Component returns an entry tagged with the component field.
func Component(log logrus.FieldLogger, name string) *logrus.Entry {
	if log == nil {
		log = Discard()
	}
	return log.WithField("component", name)
}
