// Package monitoring provides the pluggable diagnostic logger used by the
// arm driver and job sequencer.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf;
// tests replace it via SetLogger to mute or capture job and arm chatter.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the diagnostic logger. A nil argument installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
