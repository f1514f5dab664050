package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/telemetry"
)

// DefaultNotifyRetry is the interval at which the initial Idle notification
// is retried until an observer accepts it.
const DefaultNotifyRetry = time.Second

// Observer is told about every distinct state type change. An error is
// logged and otherwise ignored.
type Observer interface {
	OnStateChange(ctx context.Context, s model.ServiceState) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, s model.ServiceState) error

// OnStateChange implements Observer.
func (f ObserverFunc) OnStateChange(ctx context.Context, s model.ServiceState) error {
	return f(ctx, s)
}

// LogObserver writes each transition to logger.
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(_ context.Context, s model.ServiceState) error {
		logger.Info("service: state changed", "state", string(s.Type), "label", s.Label)
		return nil
	})
}

// MetricsObserver counts transitions by target state.
func MetricsObserver() Observer {
	counter, _ := telemetry.Meter("tapedeck/service").Int64Counter("tapedeck.service.transitions",
		metric.WithDescription("Service state transitions by target state"),
	)
	return ObserverFunc(func(ctx context.Context, s model.ServiceState) error {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(s.Type))))
		return nil
	})
}

// notifyUntilAccepted delivers s to o, retrying every interval until o
// accepts it or ctx ends.
func notifyUntilAccepted(ctx context.Context, o Observer, s model.ServiceState, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := o.OnStateChange(ctx, s)
		if err == nil {
			return
		}
		logger.Debug("service: initial notification failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
