package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tapedeck/internal/telemetry"
)

const (
	staleThreshold  = 10 * time.Minute
	cleanupInterval = time.Minute
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter is an in-memory token bucket per key. Each key refills at
// rate tokens per second up to burst. Keys idle for staleThreshold are
// evicted by a background goroutine.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	denied metric.Int64Counter

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter and starts its eviction
// goroutine. Call Close to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := newMemoryLimiter(rate, burst, time.Now)
	go m.cleanup()
	return m
}

func newMemoryLimiter(rate float64, burst int, now func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     now,
		buckets: make(map[string]*bucket),
		denied:  telemetry.Counter("tapedeck/ratelimit", "tapedeck.ratelimit.denied", "Requests rejected by the rate limiter"),
		done:    make(chan struct{}),
	}
}

// Allow consumes one token from key's bucket.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, lastAccess: now}
		m.buckets[key] = b
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate)
	b.lastAccess = now

	if b.tokens < 1 {
		m.denied.Add(ctx, 1)
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
