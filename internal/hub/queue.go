package hub

import (
	"sync"
	"time"

	"github.com/ashita-ai/tapedeck/internal/clock"
	"github.com/ashita-ai/tapedeck/internal/model"
)

// Queue holds the raw observations of one kind.
type Queue struct {
	kind   model.Kind
	policy Policy
	clock  clock.Clock
	settle time.Duration
	gate   func() bool

	mu    sync.Mutex
	items []Observation
}

// NewQueue creates a queue for kind. gate reports whether pushes are currently
// accepted; a nil gate accepts everything.
func NewQueue(kind model.Kind, clk clock.Clock, settle time.Duration, gate func() bool) *Queue {
	if gate == nil {
		gate = func() bool { return true }
	}
	return &Queue{
		kind:   kind,
		policy: PolicyFor(kind),
		clock:  clk,
		settle: settle,
		gate:   gate,
	}
}

// Kind returns the kind this queue holds.
func (q *Queue) Kind() model.Kind { return q.kind }

// Push updates the first open observation with the same key, or inserts a new
// one. Instant observations and observations without a key always insert.
func (q *Queue) Push(o Observation) {
	if !q.gate() {
		return
	}
	o.Kind = q.kind

	q.mu.Lock()
	defer q.mu.Unlock()

	if o.Key != "" && q.policy != PolicyInstant {
		for i := range q.items {
			cur := &q.items[i]
			if cur.Key != o.Key || !q.open(*cur) {
				continue
			}
			if o.HasEnd {
				cur.EndUS = o.EndUS
				cur.HasEnd = true
			}
			return
		}
	}

	q.items = append(q.items, o)
}

// PushEnd marks the first open observation with key as ended at endUS. An end
// without a matching observation is dropped; a start that arrives later stays
// open until its own end.
func (q *Queue) PushEnd(key string, endUS int64) {
	if !q.gate() || q.policy != PolicyExplicitEnd {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		cur := &q.items[i]
		if cur.Key == key && !cur.Ended {
			cur.EndUS, cur.HasEnd, cur.Ended = endUS, true, true
			return
		}
	}
}

// Drain removes and finalizes every complete observation, preserving insertion
// order. Returns nil when nothing qualifies.
func (q *Queue) Drain(urgent bool) []model.FinalizedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	now := q.clock.NowUS()
	var out []model.FinalizedEvent
	kept := q.items[:0]
	for _, o := range q.items {
		if IsComplete(q.policy, o, now, q.settle, urgent) {
			out = append(out, Finalize(o))
			continue
		}
		kept = append(kept, o)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return out
}

// Reset discards every observation.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Len returns the number of pending observations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// open reports whether an existing observation may still absorb updates.
func (q *Queue) open(o Observation) bool {
	if q.policy == PolicyExplicitEnd {
		return !o.Ended
	}
	return true
}
