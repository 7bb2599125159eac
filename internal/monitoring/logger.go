// Package monitoring holds the process-wide diagnostic logger used by the
// library packages. Binaries keep the log.Printf default; tests mute it.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns a logger that prefixes each line with "name: ". The
// current Logf is resolved on every call, so later SetLogger calls apply.
func Component(name string) func(format string, v ...interface{}) {
	prefix := name + ": "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
