// Package recording persists what the daemon forwards to the controller
// while a recording session is open. Events are sequenced per session,
// written to an optional WAL, buffered in memory and flushed to the session
// store in batches.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/storage"
	"github.com/ashita-ai/tapedeck/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events.
const maxBufferCapacity = 100_000

var (
	// ErrBufferFull is returned by Append when the buffer is at capacity.
	ErrBufferFull = errors.New("recording: buffer at capacity")
	// ErrNoSession is returned for a session that is not open on this recorder.
	ErrNoSession = errors.New("recording: session not open")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("recording: already started")
)

type pendingEvent struct {
	lsn   uint64 // zero when the WAL is disabled
	event model.RecordedEvent
}

// Recorder accumulates recorded events and flushes them to the store when
// either the buffer size or the flush timeout is reached.
type Recorder struct {
	store        storage.Store
	wal          *WAL
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu       sync.Mutex
	pending  []pendingEvent
	sessions map[uuid.UUID]int64 // open session -> next sequence number
	drainCtx context.Context

	flushMu sync.Mutex // serializes flushes so checkpoints only move forward

	droppedEvents atomic.Int64
	started       atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
}

// NewRecorder creates a recorder. wal may be nil.
func NewRecorder(store storage.Store, wal *WAL, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Recorder {
	return &Recorder{
		store:        store,
		wal:          wal,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		sessions:     make(map[uuid.UUID]int64),
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop.
func (r *Recorder) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.flushLoop(loopCtx)
	return nil
}

// Recover re-queues WAL records that were never checkpointed. Call before
// Start. The store ignores rows that were flushed before a crash but not
// checkpointed.
func (r *Recorder) Recover(ctx context.Context) (int, error) {
	if r.wal == nil {
		return 0, nil
	}
	entries, err := r.wal.Recover()
	if err != nil {
		return 0, fmt.Errorf("recording: recover: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	for _, e := range entries {
		r.pending = append(r.pending, pendingEvent{lsn: e.LSN, event: e.Event})
	}
	r.mu.Unlock()

	r.logger.Info("recording: recovered events from WAL", "count", len(entries))
	return len(entries), r.Flush(ctx)
}

// BeginSession opens a session in the store and starts sequencing events
// for it.
func (r *Recorder) BeginSession(ctx context.Context, zeroUS int64) (model.Session, error) {
	sess := model.Session{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
		ZeroUS:    zeroUS,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return model.Session{}, fmt.Errorf("recording: begin session: %w", err)
	}

	r.mu.Lock()
	r.sessions[sess.ID] = 0
	r.mu.Unlock()

	r.logger.Info("recording: session opened", "session_id", sess.ID)
	return sess, nil
}

// EndSession flushes everything buffered and completes the session with
// its final event count.
func (r *Recorder) EndSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	r.mu.Lock()
	count, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return model.Session{}, fmt.Errorf("recording: end session %s: %w", id, ErrNoSession)
	}

	if err := r.Flush(ctx); err != nil {
		return model.Session{}, fmt.Errorf("recording: end session: %w", err)
	}
	if err := r.store.CompleteSession(ctx, id, time.Now().UTC(), count); err != nil {
		return model.Session{}, fmt.Errorf("recording: end session: %w", err)
	}
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, fmt.Errorf("recording: end session: %w", err)
	}

	r.logger.Info("recording: session completed", "session_id", id, "event_count", count)
	return sess, nil
}

// Append sequences events under an open session, writes them to the WAL
// and buffers them for the next flush.
func (r *Recorder) Append(sessionID uuid.UUID, events []model.SequencedEvent) ([]model.RecordedEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("recording: append to %s: %w", sessionID, ErrNoSession)
	}
	if len(r.pending)+len(events) > maxBufferCapacity {
		return nil, fmt.Errorf("%w (%d events)", ErrBufferFull, len(r.pending))
	}

	now := time.Now().UTC()
	recorded := make([]model.RecordedEvent, len(events))
	for i, ev := range events {
		recorded[i] = model.RecordedEvent{
			SessionID:   sessionID,
			SequenceNum: next + int64(i),
			Event:       ev,
			CreatedAt:   now,
		}
	}

	// The WAL write happens under r.mu so LSN order matches buffer order.
	lsns := make([]uint64, len(recorded))
	if r.wal != nil {
		written, err := r.wal.Write(recorded)
		if err != nil {
			return nil, fmt.Errorf("recording: %w", err)
		}
		copy(lsns, written)
	}

	for i := range recorded {
		r.pending = append(r.pending, pendingEvent{lsn: lsns[i], event: recorded[i]})
	}
	r.sessions[sessionID] = next + int64(len(events))

	if len(r.pending) >= r.maxSize {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
	return recorded, nil
}

// Flush writes every buffered event to the store now.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	events := make([]model.RecordedEvent, len(batch))
	var highLSN uint64
	for i, p := range batch {
		events[i] = p.event
		highLSN = max(highLSN, p.lsn)
	}

	start := time.Now()
	count, err := r.store.InsertEvents(ctx, events)
	if err != nil {
		r.logger.Error("recording: flush failed", "error", err, "batch_size", len(batch))
		r.mu.Lock()
		if len(r.pending)+len(batch) <= maxBufferCapacity {
			r.pending = append(batch, r.pending...)
		} else {
			r.droppedEvents.Add(int64(len(batch)))
			r.logger.Error("recording: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		r.mu.Unlock()
		return fmt.Errorf("recording: flush: %w", err)
	}

	if r.wal != nil && highLSN > 0 {
		if err := r.wal.Checkpoint(highLSN); err != nil {
			r.logger.Warn("recording: wal checkpoint failed", "error", err, "lsn", highLSN)
		}
	}

	r.logger.Debug("recording: batch flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			drainCtx := r.drainCtx
			r.mu.Unlock()
			if drainCtx != nil {
				_ = r.Flush(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = r.Flush(fallbackCtx)
				cancel()
			}
			close(r.done)
			return
		case <-ticker.C:
			_ = r.Flush(ctx)
		case <-r.flushCh:
			_ = r.Flush(ctx)
		}
	}
}

// Drain stops the flush loop and waits for its final flush. ctx bounds the
// wait and is used for the final flush.
func (r *Recorder) Drain(ctx context.Context) {
	if !r.started.Load() {
		_ = r.Flush(ctx)
		return
	}
	r.mu.Lock()
	r.drainCtx = ctx
	r.mu.Unlock()
	r.cancelLoop()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("recording: drain timed out waiting for flush loop")
	}
}

func (r *Recorder) registerMetrics() {
	meter := telemetry.Meter("tapedeck/recording")

	_, _ = meter.Int64ObservableGauge("tapedeck.recording.buffer_depth",
		metric.WithDescription("Current number of recorded events waiting for a flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tapedeck.recording.dropped_total",
		metric.WithDescription("Total recorded events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the number of buffered events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Capacity returns the buffer size that triggers a flush.
func (r *Recorder) Capacity() int { return r.maxSize }

// DroppedEvents returns the number of events lost to capacity exhaustion
// after a flush failure.
func (r *Recorder) DroppedEvents() int64 {
	return r.droppedEvents.Load()
}
