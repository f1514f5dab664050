// Package clock provides the monotonic microsecond time base shared by the
// hub, the pollers, and the replay engine.
package clock

import (
	"sync"
	"time"
)

// Clock returns monotonic time in microseconds. Only differences between
// readings are meaningful.
type Clock interface {
	NowUS() int64
}

// Since returns the elapsed time between a past reading and now.
func Since(c Clock, us int64) time.Duration {
	return time.Duration(c.NowUS()-us) * time.Microsecond
}

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual returns a manual clock reading startUS.
func NewManual(startUS int64) *Manual {
	return &Manual{now: startUS}
}

// NowUS implements Clock.
func (m *Manual) NowUS() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to an absolute reading.
func (m *Manual) Set(us int64) {
	m.mu.Lock()
	m.now = us
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d.Microseconds()
	m.mu.Unlock()
}
