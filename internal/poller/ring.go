package poller

import (
	"sync"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// DefaultRingSize is the sample ring capacity.
const DefaultRingSize = 5000

// Ring is a fixed-capacity FIFO of kernel samples. When full, the oldest
// sample is overwritten and counted as dropped.
type Ring struct {
	mu      sync.Mutex
	buf     []model.InputSample
	head    int // index of the oldest sample
	n       int
	dropped int64
}

// NewRing creates a ring holding at most size samples.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]model.InputSample, size)}
}

// Push appends s, overwriting the oldest sample when full.
func (r *Ring) Push(s model.InputSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.n) % len(r.buf)
	r.buf[tail] = s
	if r.n == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.dropped++
		return
	}
	r.n++
}

// Chunk removes samples in arrival order. A non-urgent chunk holds back the
// newest sample; an urgent chunk takes everything. Returns nil when empty.
func (r *Ring) Chunk(urgent bool) []model.InputSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	take := r.n
	if !urgent {
		take--
	}
	if take <= 0 {
		return nil
	}
	out := make([]model.InputSample, take)
	for i := range take {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.head = (r.head + take) % len(r.buf)
	r.n -= take
	return out
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Dropped returns how many samples were overwritten before being chunked.
func (r *Ring) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
