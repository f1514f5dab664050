package replay

import (
	"sync"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// DefaultResponseSlots is the capacity of the platform response buffer.
const DefaultResponseSlots = 100

// ResponseBuffer holds live platform events observed during replay so that
// platform sync points can find their match. When full the oldest event is
// discarded.
type ResponseBuffer struct {
	mu     sync.Mutex
	events []model.FinalizedEvent
	size   int
}

// NewResponseBuffer creates a buffer with room for size events.
func NewResponseBuffer(size int) *ResponseBuffer {
	if size <= 0 {
		size = DefaultResponseSlots
	}
	return &ResponseBuffer{size: size, events: make([]model.FinalizedEvent, 0, size)}
}

// Add appends events in order.
func (b *ResponseBuffer) Add(events ...model.FinalizedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range events {
		if len(b.events) == b.size {
			copy(b.events, b.events[1:])
			b.events = b.events[:b.size-1]
		}
		b.events = append(b.events, e)
	}
}

// Take removes and returns the oldest event matching want.
func (b *ResponseBuffer) Take(want model.FinalizedEvent) (model.FinalizedEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.events {
		if e.Matches(want) {
			b.events = append(b.events[:i], b.events[i+1:]...)
			return e, true
		}
	}
	return model.FinalizedEvent{}, false
}

// Len returns the number of buffered events.
func (b *ResponseBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Reset discards every buffered event.
func (b *ResponseBuffer) Reset() {
	b.mu.Lock()
	b.events = b.events[:0]
	b.mu.Unlock()
}
