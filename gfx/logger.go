package gfx

import (
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type loggerHolder struct {
	l logrus.FieldLogger
}

// loggerPtr is read from the frame loop and written from SetLogger, possibly
// on different goroutines.
var loggerPtr atomic.Pointer[loggerHolder]

func init() {
	SetLogger(nil)
}

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.Level = logrus.PanicLevel
	return l
}

// SetLogger configures the logger used by gfx. By default nothing is logged.
// Pass nil to restore the silent default.
//
//	gfx.SetLogger(logrus.StandardLogger())
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = newDiscardLogger()
	}
	loggerPtr.Store(&loggerHolder{l: l})
}

// Logger returns the logger currently in use.
func Logger() logrus.FieldLogger {
	return loggerPtr.Load().l
}
