package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/tapedeck/internal/model"
)

func TestSleeperFullSleep(t *testing.T) {
	s := newSleeper()
	start := time.Now()
	assert.False(t, s.Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSleeperPendingSkip(t *testing.T) {
	s := newSleeper()
	s.Skip()
	s.Skip()
	assert.True(t, s.Sleep(context.Background(), time.Hour))
	assert.False(t, s.Consume(), "repeated skips collapse into one")
}

func TestSleeperCancel(t *testing.T) {
	s := newSleeper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.Sleep(ctx, time.Hour))
}

func TestSleeperConcurrentSkips(t *testing.T) {
	s := newSleeper()
	done := make(chan bool)
	go func() { done <- s.Sleep(context.Background(), time.Minute) }()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s.Skip()
			}
		}()
	}
	select {
	case skipped := <-done:
		assert.True(t, skipped)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep was never woken")
	}
	wg.Wait()
	// Skips that landed after the wake may leave one pending; at most one.
	s.Consume()
	assert.False(t, s.Consume())
}

func TestResponseBufferOverwritesOldest(t *testing.T) {
	b := NewResponseBuffer(2)
	b.Add(
		model.FinalizedEvent{Kind: model.KindActivityPause},
		model.FinalizedEvent{Kind: model.KindViewShortClick},
		model.FinalizedEvent{Kind: model.KindViewLongClick},
	)
	assert.Equal(t, 2, b.Len())
	_, ok := b.Take(model.FinalizedEvent{Kind: model.KindActivityPause})
	assert.False(t, ok)
	_, ok = b.Take(model.FinalizedEvent{Kind: model.KindViewLongClick})
	assert.True(t, ok)

	b.Reset()
	assert.Zero(t, b.Len())
}
