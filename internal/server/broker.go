package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// SSE event names.
const (
	EventState            = "state"
	EventSessionCompleted = "session_completed"
)

// Notifier is the LISTEN/NOTIFY side of the postgres store.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out daemon events to SSE subscribers: every state change it
// observes, and, with a Notifier, each session completion committed to the
// store.
type Broker struct {
	notifier Notifier
	channel  string
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a broker. notifier may be nil, in which case only state
// changes are published. Call Start to begin listening on channel.
func NewBroker(notifier Notifier, channel string, logger *slog.Logger) *Broker {
	return &Broker{
		notifier:    notifier,
		channel:     channel,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start listens for session completions until ctx is cancelled. It blocks,
// so call it in a goroutine. Without a notifier it returns immediately.
func (b *Broker) Start(ctx context.Context) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Listen(ctx, b.channel); err != nil {
		b.logger.Error("broker: listen", "channel", b.channel, "error", err)
		return
	}
	b.logger.Info("broker: listening for session completions", "channel", b.channel)

	for {
		_, payload, err := b.notifier.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.logger.Debug("broker: session completed", "session_id", payload)
		data, _ := json.Marshal(map[string]string{"session_id": payload})
		b.broadcast(formatSSE(EventSessionCompleted, string(data)))
	}
}

// OnStateChange publishes s to subscribers. It makes Broker a service
// observer.
func (b *Broker) OnStateChange(_ context.Context, s model.ServiceState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	b.broadcast(formatSSE(EventState, string(data)))
	return nil
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of active subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to all subscribers. A subscriber with a full
// buffer misses the event.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
