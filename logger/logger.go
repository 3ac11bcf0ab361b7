// File: logger/logger.go
package logger

import (
	"go.uber.org/zap"
)

// Sugar is the process-wide logger. It discards everything until Init is called.
var Sugar = zap.NewNop().Sugar()

// Init replaces Sugar with a production or development zap logger.
func Init(development bool) {
	var (
		l   *zap.Logger
		err error
	)
	if development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		// keep the no-op logger; a broken logger must not stop a booth
		return
	}
	Sugar = l.Sugar()
}

// Or returns l when set, otherwise the package logger.
func Or(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return Sugar
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = Sugar.Sync()
}
