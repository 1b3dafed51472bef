// Package monitoring holds the process-wide diagnostic logger used by the
// protocol and session packages.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var verbose atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetVerbose enables Debugf output.
func SetVerbose(v bool) {
	verbose.Store(v)
}

// Debugf logs through Logf only when verbose logging is enabled.
func Debugf(format string, v ...interface{}) {
	if verbose.Load() {
		Logf("[debug] "+format, v...)
	}
}

// Warnf logs a recoverable problem, such as a dropped message.
func Warnf(format string, v ...interface{}) {
	Logf("[warn] "+format, v...)
}

// Errorf logs a failure that the caller could not recover from locally.
func Errorf(format string, v ...interface{}) {
	Logf("[error] "+format, v...)
}
