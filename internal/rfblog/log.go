// Package rfblog is the pluggable logging sink every component in
// this module writes through instead of doing direct I/O. The
// default implementation is backed by logrus, matching the
// structured-logging convention the rest of the domain stack uses.
package rfblog

import (
	"github.com/sirupsen/logrus"
)

// Fields carries structured key/value context for a log line.
type Fields map[string]interface{}

// Sink is the logging interface consumed by every package in this
// module. No package performs direct stdout/stderr I/O; everything
// routes through a Sink supplied by the application.
type Sink interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, err error, fields Fields)
}

// logrusSink adapts a *logrus.Logger to Sink.
type logrusSink struct {
	l *logrus.Logger
}

// NewLogrus builds the default Sink implementation over logrus.
func NewLogrus(l *logrus.Logger) Sink {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusSink{l: l}
}

func (s *logrusSink) entry(fields Fields) *logrus.Entry {
	if len(fields) == 0 {
		return logrus.NewEntry(s.l)
	}
	return s.l.WithFields(logrus.Fields(fields))
}

func (s *logrusSink) Debug(msg string, fields Fields) { s.entry(fields).Debug(msg) }
func (s *logrusSink) Info(msg string, fields Fields)  { s.entry(fields).Info(msg) }
func (s *logrusSink) Warn(msg string, fields Fields)  { s.entry(fields).Warn(msg) }
func (s *logrusSink) Error(msg string, err error, fields Fields) {
	s.entry(fields).WithError(err).Error(msg)
}

// Nop is a Sink that discards everything, useful in tests.
var Nop Sink = nopSink{}

type nopSink struct{}

func (nopSink) Debug(string, Fields)        {}
func (nopSink) Info(string, Fields)         {}
func (nopSink) Warn(string, Fields)         {}
func (nopSink) Error(string, error, Fields) {}
