package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/telemetry"
)

// DefaultChunkInterval is the period of the kernel chunking loop.
const DefaultChunkInterval = time.Second

// ErrNoSample is returned by a Producer whose blocking wait elapsed without a
// sample. The sampling loop treats it as "check for stop and try again".
var ErrNoSample = errors.New("poller: no sample available")

// Producer yields raw kernel samples. Next blocks until a sample is available,
// ctx is done, or the producer's own wait bound elapses (ErrNoSample).
type Producer interface {
	Next(ctx context.Context) (model.InputSample, error)
}

// Interrupter is implemented by producers whose blocking call can be woken
// from another goroutine. Kill calls Interrupt after cancelling the loop.
type Interrupter interface {
	Interrupt()
}

// InputListener receives chunks of raw kernel samples in arrival order.
type InputListener interface {
	OnInputSamples(ctx context.Context, samples []model.InputSample)
}

// InputListenerFunc adapts a function to InputListener.
type InputListenerFunc func(ctx context.Context, samples []model.InputSample)

// OnInputSamples implements InputListener.
func (f InputListenerFunc) OnInputSamples(ctx context.Context, samples []model.InputSample) {
	f(ctx, samples)
}

// KernelPoller runs a sampling loop that pulls from a Producer into a Ring,
// and a chunking loop that periodically forwards ring contents to listeners.
// The final chunk is urgent and runs only after the sampling loop has exited.
type KernelPoller struct {
	lifecycle
	producer Producer
	ring     *Ring
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners []InputListener
	err       error
}

// NewKernelPoller creates a kernel poller. ring may be nil for the default size.
func NewKernelPoller(p Producer, ring *Ring, interval time.Duration, logger *slog.Logger, listeners ...InputListener) *KernelPoller {
	if ring == nil {
		ring = NewRing(DefaultRingSize)
	}
	if interval <= 0 {
		interval = DefaultChunkInterval
	}
	k := &KernelPoller{
		lifecycle: lifecycle{name: "kernel poller", done: make(chan struct{})},
		producer:  p,
		ring:      ring,
		interval:  interval,
		logger:    logger,
		listeners: listeners,
	}
	if in, ok := p.(Interrupter); ok {
		k.onKill = in.Interrupt
	}
	return k
}

// AddListener registers l for subsequent chunks.
func (k *KernelPoller) AddListener(l InputListener) {
	k.mu.Lock()
	k.listeners = append(k.listeners, l)
	k.mu.Unlock()
}

// Ring exposes the sample ring, mainly for metrics.
func (k *KernelPoller) Ring() *Ring { return k.ring }

// Err returns the error that stopped the sampling loop, if any. Valid after Join.
func (k *KernelPoller) Err() error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.err
}

// Start launches both loops.
func (k *KernelPoller) Start(ctx context.Context) error {
	return k.run(ctx, nil, func(ctx context.Context) {
		sampled := make(chan struct{})
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer close(sampled)
			return k.sample(gctx)
		})
		g.Go(func() error {
			k.chunk(gctx, sampled)
			return nil
		})
		if err := g.Wait(); err != nil {
			k.mu.Lock()
			k.err = err
			k.mu.Unlock()
			k.logger.Error("kernel poller: sampling stopped", "error", err)
		}
		k.logger.Debug("kernel poller: stopped", "dropped", k.ring.Dropped())
	})
}

func (k *KernelPoller) sample(ctx context.Context) error {
	for {
		s, err := k.producer.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrNoSample) {
				continue
			}
			return fmt.Errorf("poller: read sample: %w", err)
		}
		k.ring.Push(s)
	}
}

func (k *KernelPoller) chunk(ctx context.Context, sampled <-chan struct{}) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-sampled
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultJoinTimeout)
			k.dispatch(finalCtx, k.ring.Chunk(true))
			cancel()
			return
		case <-ticker.C:
			k.dispatch(ctx, k.ring.Chunk(false))
		}
	}
}

var inputChunks = telemetry.Counter("tapedeck/poller", "tapedeck.poller.input_chunks", "Non-empty kernel sample chunks dispatched")

func (k *KernelPoller) dispatch(ctx context.Context, samples []model.InputSample) {
	if len(samples) == 0 {
		return
	}
	inputChunks.Add(ctx, 1)

	k.mu.RLock()
	listeners := k.listeners
	k.mu.RUnlock()
	for _, l := range listeners {
		l.OnInputSamples(ctx, samples)
	}
}
