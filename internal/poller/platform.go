package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/tapedeck/internal/hub"
	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/telemetry"
)

// DefaultDrainInterval is the period of the platform draining loop.
const DefaultDrainInterval = time.Second

// EventListener receives batches of finalized platform events.
type EventListener interface {
	OnPlatformEvents(ctx context.Context, events []model.FinalizedEvent)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(ctx context.Context, events []model.FinalizedEvent)

// OnPlatformEvents implements EventListener.
func (f EventListenerFunc) OnPlatformEvents(ctx context.Context, events []model.FinalizedEvent) {
	f(ctx, events)
}

// PlatformPoller periodically drains the hub and forwards the batch to its
// listeners. Start enables the hub; shutdown disables it and performs exactly
// one urgent drain before Join returns.
type PlatformPoller struct {
	lifecycle
	hub      *hub.Hub
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners []EventListener
}

// NewPlatformPoller creates a draining poller over h.
func NewPlatformPoller(h *hub.Hub, interval time.Duration, logger *slog.Logger, listeners ...EventListener) *PlatformPoller {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &PlatformPoller{
		lifecycle: lifecycle{name: "platform poller", done: make(chan struct{})},
		hub:       h,
		interval:  interval,
		logger:    logger,
		listeners: listeners,
	}
}

// AddListener registers l for subsequent batches.
func (p *PlatformPoller) AddListener(l EventListener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// Start enables the hub and launches the draining loop.
func (p *PlatformPoller) Start(ctx context.Context) error {
	return p.run(ctx, p.hub.Enable, p.loop)
}

func (p *PlatformPoller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.hub.Disable()
			// Listeners get a fresh context: the loop's own is already done.
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultJoinTimeout)
			p.dispatch(finalCtx, p.hub.Drain(true))
			cancel()
			p.logger.Debug("platform poller: stopped")
			return
		case <-ticker.C:
			p.dispatch(ctx, p.hub.Drain(false))
		}
	}
}

var platformBatches = telemetry.Counter("tapedeck/poller", "tapedeck.poller.platform_batches", "Non-empty platform event batches dispatched")

func (p *PlatformPoller) dispatch(ctx context.Context, events []model.FinalizedEvent) {
	if len(events) == 0 {
		return
	}
	platformBatches.Add(ctx, 1)

	p.mu.RLock()
	listeners := p.listeners
	p.mu.RUnlock()
	for _, l := range listeners {
		l.OnPlatformEvents(ctx, events)
	}
}
