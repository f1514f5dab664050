// Package poller runs the background loops that feed and drain the hub:
// a platform draining poller and a kernel input sampling poller. Every
// worker has an explicit Start / Kill / Join lifecycle; Join is what proves
// the final urgent pass ran.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrJoinTimeout is returned by Join when the worker did not finish in time.
	ErrJoinTimeout = errors.New("poller: join timed out")
	// ErrAlreadyStarted is returned by a second Start on the same worker.
	ErrAlreadyStarted = errors.New("poller: already started")
)

// DefaultJoinTimeout bounds how long owners wait in Join when they have no
// deadline of their own.
const DefaultJoinTimeout = 5 * time.Second

// Worker is the lifecycle every background loop exposes.
type Worker interface {
	Start(ctx context.Context) error
	Kill()
	Join(ctx context.Context) error
}

// lifecycle implements Worker bookkeeping. A worker is single-use: once it
// has been started, a later Start fails even after Join.
type lifecycle struct {
	name    string
	started atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	killOnce sync.Once
	onKill   func()
}

// run launches fn in a goroutine under a cancellable child of ctx. fn must
// return once its context is done; done is closed after it returns. setup,
// when non-nil, runs synchronously once the start has been claimed.
func (l *lifecycle) run(ctx context.Context, setup func(), fn func(ctx context.Context)) error {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", l.name, ErrAlreadyStarted)
	}
	if setup != nil {
		setup()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		defer cancel()
		fn(loopCtx)
	}()
	return nil
}

// Kill signals the loop to stop. Idempotent; a no-op before Start.
func (l *lifecycle) Kill() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	l.killOnce.Do(func() {
		cancel()
		if l.onKill != nil {
			l.onKill()
		}
	})
}

// Join waits until the loop has finished, including its final pass. A worker
// that was never started joins immediately.
func (l *lifecycle) Join(ctx context.Context) error {
	if !l.started.Load() {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", l.name, ErrJoinTimeout)
	}
}

// Done is closed once the loop has finished.
func (l *lifecycle) Done() <-chan struct{} { return l.done }

// Stop kills w and joins it, bounding the wait by timeout.
func Stop(w Worker, timeout time.Duration) error {
	w.Kill()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.Join(ctx)
}
