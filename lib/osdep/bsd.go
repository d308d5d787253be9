//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package osdep

import (
	"time"

	"golang.org/x/sys/unix"
)

// ResourceUsage returns user and system CPU time consumed by the process
func ResourceUsage() (time.Duration, time.Duration) {
	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err != nil {
		return 0, 0
	}
	return time.Duration(usage.Utime.Nano()), time.Duration(usage.Stime.Nano())
}
