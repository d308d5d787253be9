//go:build windows

package osdep

import (
	"time"
)

// ResourceUsage
func ResourceUsage() (time.Duration, time.Duration) {
	// FIXME Windows doesn't support getrusage. There should be another
	// way to get this kind of data from the OS
	return 0, 0
}
