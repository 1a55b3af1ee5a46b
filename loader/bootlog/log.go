package bootlog

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New returns a logger that writes to console and keeps a copy of its output
// in the returned RingBuffer.
func New(console io.Writer, level logrus.Level) (*logrus.Logger, *RingBuffer) {
	rb := new(RingBuffer)

	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(io.MultiWriter(console, rb))
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})
	return l, rb
}

// Discard returns a logger that drops everything; it is used by tests and by
// callers that do not care about the loader log.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
