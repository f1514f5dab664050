package replay

import (
	"context"
	"sync"
	"time"
)

// sleeper is an interruptible sleep shared by the replay loop and SkipWait.
// One lock guards both the "currently sleeping" flag and the pending skip
// flag, so a skip is never lost between "about to sleep" and "asleep".
type sleeper struct {
	mu       sync.Mutex
	sleeping bool
	skip     bool
	wake     chan struct{}
}

func newSleeper() *sleeper {
	return &sleeper{wake: make(chan struct{}, 1)}
}

// Sleep waits for d. It returns true when the wait was cut short by a skip,
// including one requested while no sleep was in progress.
func (s *sleeper) Sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	if s.skip {
		s.skip = false
		s.mu.Unlock()
		return true
	}
	s.sleeping = true
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	skipped := false
	select {
	case <-timer.C:
	case <-s.wake:
		skipped = true
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.sleeping = false
	select {
	case <-s.wake:
		// A skip that raced with the timer still counts for this sleep.
		skipped = true
	default:
	}
	s.mu.Unlock()
	return skipped
}

// Skip wakes a sleeper, or leaves a skip for the next Sleep or Consume.
// Repeated calls before the skip is consumed have no extra effect.
func (s *sleeper) Skip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sleeping {
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return
	}
	s.skip = true
}

// Consume reports and clears a pending skip.
func (s *sleeper) Consume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	skipped := s.skip
	s.skip = false
	return skipped
}
