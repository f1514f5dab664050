//go:build !linux

package clock

// Monotonic falls back to the Go runtime's monotonic reading on platforms
// without CLOCK_MONOTONIC.
type Monotonic struct{}

// NowUS implements Clock.
func (Monotonic) NowUS() int64 {
	return fallbackNowUS()
}
