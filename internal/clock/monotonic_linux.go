//go:build linux

package clock

import "golang.org/x/sys/unix"

// Monotonic reads CLOCK_MONOTONIC, the same base the kernel stamps onto
// evdev reports when the device clock is switched to monotonic and the base
// platform uptime counters use.
type Monotonic struct{}

// NowUS implements Clock.
func (Monotonic) NowUS() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return fallbackNowUS()
	}
	return ts.Sec*1_000_000 + ts.Nsec/1_000
}
