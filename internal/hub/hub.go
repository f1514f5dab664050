package hub

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tapedeck/internal/clock"
	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/telemetry"
)

// Hub owns one Queue per platform kind. It is created by the service and
// passed to whoever needs it; there is no process-wide instance.
type Hub struct {
	clock  clock.Clock
	logger *slog.Logger
	settle time.Duration

	enabled atomic.Bool
	zeroUS  atomic.Int64

	queues []*Queue
	byKind map[model.Kind]*Queue

	drained atomic.Int64
	pruned  atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithSettleThreshold overrides DefaultSettleThreshold.
func WithSettleThreshold(d time.Duration) Option {
	return func(h *Hub) { h.settle = d }
}

// New creates a disabled hub with a queue for every kind in model.Kinds.
func New(clk clock.Clock, logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clock:  clk,
		logger: logger,
		settle: DefaultSettleThreshold,
		byKind: make(map[model.Kind]*Queue, len(model.Kinds)),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, k := range model.Kinds {
		q := NewQueue(k, clk, h.settle, h.enabled.Load)
		h.queues = append(h.queues, q)
		h.byKind[k] = q
	}
	return h
}

// Enable clears stale observations, sets the zero-reference time to now, and
// starts accepting pushes.
func (h *Hub) Enable() {
	for _, q := range h.queues {
		q.Reset()
	}
	h.zeroUS.Store(h.clock.NowUS())
	h.enabled.Store(true)
	h.logger.Debug("hub: enabled", "zero_us", h.zeroUS.Load())
}

// Disable stops accepting pushes. Pending observations stay queued so a final
// urgent drain can still collect them.
func (h *Hub) Disable() {
	h.enabled.Store(false)
	h.logger.Debug("hub: disabled")
}

// Enabled reports whether pushes are accepted.
func (h *Hub) Enabled() bool { return h.enabled.Load() }

// ZeroUS returns the zero-reference time set by the last Enable.
func (h *Hub) ZeroUS() int64 { return h.zeroUS.Load() }

// Queue returns the queue for kind, or nil for an unknown kind.
func (h *Hub) Queue(k model.Kind) *Queue { return h.byKind[k] }

// Drain collects complete events from every queue in registration order.
// Events stamped before the zero-reference time are discarded.
func (h *Hub) Drain(urgent bool) []model.FinalizedEvent {
	zero := h.zeroUS.Load()
	var out []model.FinalizedEvent
	for _, q := range h.queues {
		for _, e := range q.Drain(urgent) {
			if e.TimestampUS < zero {
				h.pruned.Add(1)
				continue
			}
			out = append(out, e)
		}
	}
	h.drained.Add(int64(len(out)))
	return out
}

// Pending returns the number of queued observations across all kinds.
func (h *Hub) Pending() int {
	n := 0
	for _, q := range h.queues {
		n += q.Len()
	}
	return n
}

// OnViewInputEvent records a view input that started at startMS on the
// monotonic clock and was handled just now. Repeated reports for the same
// start time extend the observation.
func (h *Hub) OnViewInputEvent(startMS int64) {
	startUS := startMS * 1000
	h.byKind[model.KindViewInput].Push(Observation{
		StartUS: startUS,
		EndUS:   h.clock.NowUS(),
		HasEnd:  true,
		Key:     strconv.FormatInt(startUS, 10),
	})
}

// OnWebPageLoadStart opens a page load keyed by url.
func (h *Hub) OnWebPageLoadStart(url string) {
	h.byKind[model.KindWebPageLoad].Push(Observation{
		StartUS: h.clock.NowUS(),
		Key:     url,
		Tag:     model.HashTag(url),
	})
}

// OnWebPageLoadEnd closes the open page load keyed by url.
func (h *Hub) OnWebPageLoadEnd(url string) {
	h.byKind[model.KindWebPageLoad].PushEnd(url, h.clock.NowUS())
}

// OnActivityLaunch records a launch that took responseTimeUS to complete.
func (h *Hub) OnActivityLaunch(responseTimeUS int64, componentName string) {
	end := h.clock.NowUS()
	h.byKind[model.KindActivityLaunch].Push(Observation{
		StartUS: end - responseTimeUS,
		EndUS:   end,
		HasEnd:  true,
		Tag:     model.HashTag(componentName),
	})
}

// OnActivityPause records an activity pause.
func (h *Hub) OnActivityPause() { h.pushInstant(model.KindActivityPause) }

// OnViewShortClick records a short click.
func (h *Hub) OnViewShortClick() { h.pushInstant(model.KindViewShortClick) }

// OnViewLongClick records a long click.
func (h *Hub) OnViewLongClick() { h.pushInstant(model.KindViewLongClick) }

func (h *Hub) pushInstant(k model.Kind) {
	h.byKind[k].Push(Observation{StartUS: h.clock.NowUS()})
}

// RegisterMetrics registers observable OTEL gauges for queue depth and drain
// totals. Call after telemetry.Init.
func (h *Hub) RegisterMetrics() {
	meter := telemetry.Meter("tapedeck/hub")

	_, _ = meter.Int64ObservableGauge("tapedeck.hub.pending",
		metric.WithDescription("Raw observations waiting for completion, per kind"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, q := range h.queues {
				o.Observe(int64(q.Len()), metric.WithAttributes(attribute.String("kind", q.Kind().String())))
			}
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("tapedeck.hub.drained_total",
		metric.WithDescription("Finalized events returned by drains"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.drained.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("tapedeck.hub.pruned_total",
		metric.WithDescription("Finalized events discarded for predating the zero-reference time"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.pruned.Load())
			return nil
		}),
	)
}
