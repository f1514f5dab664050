// Package replay implements the replay buffer engine: it accepts a chunked,
// sequence-numbered event stream from the controller and plays it back into
// the system with the recorded inter-event pacing.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/poller"
)

// Phase is the engine's lifecycle phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFilling
	PhaseReplaying
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFilling:
		return "filling"
	case PhaseReplaying:
		return "replaying"
	case PhaseFinished:
		return "finished"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Defaults for Config.
const (
	DefaultResponseTimeout = 60 * time.Second
	// shortSleep is the boundary below which a delay is slept without the
	// interruptible path.
	shortSleep = time.Millisecond

	minBackoff = time.Millisecond
	maxBackoff = 10 * time.Millisecond
)

// Config parameterizes one replay session.
type Config struct {
	// BufferSize bounds the number of announced-but-not-yet-replayed events.
	BufferSize int
	// MaxSleep caps each inter-event delay. Zero means uncapped.
	MaxSleep time.Duration
	// ResponseTimeout bounds the wait at a platform sync point.
	ResponseTimeout time.Duration
}

// Target receives replayed kernel samples.
type Target interface {
	Emit(s model.InputSample) error
	Flush() error
}

// Listener is notified of replay progress. OnReplayFinished fires exactly
// once, only when the stream is exhausted after the final chunk.
type Listener interface {
	OnReplayFields(f model.ReplayFields)
	OnReplayFinished()
}

var (
	_ poller.Worker        = (*Engine)(nil)
	_ poller.EventListener = (*Engine)(nil)
)

// Engine is a single-use replay session.
type Engine struct {
	cfg       Config
	target    Target
	responses *ResponseBuffer
	listener  Listener
	logger    *slog.Logger
	sleep     *sleeper

	mu           sync.Mutex
	phase        Phase
	buf          []model.SequencedEvent
	requiredSN   int64
	nextArrival  int64
	runningSN    int64
	nextExpected bool
	avail        chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an idle engine. responses may be nil for a private buffer.
func NewEngine(cfg Config, target Target, responses *ResponseBuffer, listener Listener, logger *slog.Logger) *Engine {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if responses == nil {
		responses = NewResponseBuffer(DefaultResponseSlots)
	}
	return &Engine{
		cfg:          cfg,
		target:       target,
		responses:    responses,
		listener:     listener,
		logger:       logger,
		sleep:        newSleeper(),
		runningSN:    -1,
		nextExpected: true,
		avail:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start moves Idle to Filling and launches the replay loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	if e.cfg.BufferSize <= 0 {
		e.mu.Unlock()
		return fmt.Errorf("replay: buffer size must be positive, got %d", e.cfg.BufferSize)
	}
	e.phase = PhaseFilling
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go e.loop(loopCtx)
	return nil
}

// Fill announces numEvents events starting at sn. isNextExists=false marks
// the final chunk of the session.
func (e *Engine) Fill(isNextExists bool, numEvents int, sn int64) error {
	return e.reject(e.fill(isNextExists, numEvents, sn))
}

func (e *Engine) fill(isNextExists bool, numEvents int, sn int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.activeLocked() {
		return ErrNotRunning
	}
	if !e.nextExpected {
		return fmt.Errorf("%w: fill after final chunk", ErrProtocolViolation)
	}
	if sn != e.requiredSN {
		return fmt.Errorf("%w: got %d, want %d", ErrSNMismatch, sn, e.requiredSN)
	}
	if numEvents < 0 {
		return fmt.Errorf("%w: negative event count %d", ErrProtocolViolation, numEvents)
	}
	end := sn + int64(numEvents)
	if !isNextExists && end < e.nextArrival {
		return fmt.Errorf("%w: final chunk ends at %d but sn %d already arrived",
			ErrUnexpectedEvent, end, e.nextArrival-1)
	}
	// Events that already arrived are counted once, as buffered.
	outstanding := max(end-e.nextArrival, 0)
	if len(e.buf)+int(outstanding) > e.cfg.BufferSize {
		return fmt.Errorf("%w: %d buffered, %d still to arrive, size %d",
			ErrBufferOverflow, len(e.buf), outstanding, e.cfg.BufferSize)
	}
	e.requiredSN += int64(numEvents)
	e.nextExpected = isNextExists
	e.signalLocked()
	return nil
}

// Offer delivers one event. SNs must arrive contiguously from 0.
func (e *Engine) Offer(ev model.SequencedEvent) error {
	return e.reject(e.offer(ev))
}

func (e *Engine) offer(ev model.SequencedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.activeLocked() {
		return ErrNotRunning
	}
	if !ev.Valid() {
		return fmt.Errorf("%w: sn %d has no valid payload", ErrUnexpectedEvent, ev.SN)
	}
	if ev.SN != e.nextArrival {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, ev.SN, e.nextArrival)
	}
	if !e.nextExpected && ev.SN >= e.requiredSN {
		return fmt.Errorf("%w: sn %d beyond final chunk ending at %d", ErrUnexpectedEvent, ev.SN, e.requiredSN)
	}
	if len(e.buf) >= e.cfg.BufferSize {
		return fmt.Errorf("%w: %d events buffered", ErrBufferOverflow, len(e.buf))
	}
	e.buf = append(e.buf, ev)
	e.nextArrival++
	e.signalLocked()
	return nil
}

// OnPlatformEvents feeds live platform events into the response buffer. It
// lets the engine be registered directly as a draining poller listener.
func (e *Engine) OnPlatformEvents(_ context.Context, events []model.FinalizedEvent) {
	e.responses.Add(events...)
}

// SkipWait ends the current pacing delay or platform wait immediately, or
// the next one if the loop is not waiting right now.
func (e *Engine) SkipWait() {
	skipWaits.Add(context.Background(), 1)
	e.sleep.Skip()
}

// Fields returns a snapshot of the buffer counters without side effects.
func (e *Engine) Fields() model.ReplayFields {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fieldsLocked()
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Kill stops the replay loop without firing the finished callback.
func (e *Engine) Kill() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Join waits for the replay loop to exit, including its final target flush.
func (e *Engine) Join(ctx context.Context) error {
	e.mu.Lock()
	started := e.cancel != nil
	e.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("replay engine: %w", poller.ErrJoinTimeout)
	}
}

// Done is closed when the replay loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// reject counts and logs protocol violations; other errors pass through.
func (e *Engine) reject(err error) error {
	if errors.Is(err, ErrProtocolViolation) {
		violations.Add(context.Background(), 1)
		e.logger.Warn("replay: protocol violation", "error", err)
	}
	return err
}

func (e *Engine) activeLocked() bool {
	return e.phase == PhaseFilling || e.phase == PhaseReplaying
}

func (e *Engine) fieldsLocked() model.ReplayFields {
	return model.ReplayFields{
		RequiredSN:  e.requiredSN,
		RunningSN:   e.runningSN,
		BufferIndex: len(e.buf),
		BufferSize:  e.cfg.BufferSize,
	}
}

func (e *Engine) signalLocked() {
	select {
	case e.avail <- struct{}{}:
	default:
	}
}

func (e *Engine) notifyFields() {
	f := e.Fields()
	runningSNGauge.Record(context.Background(), f.RunningSN)
	bufferedGauge.Record(context.Background(), int64(f.BufferIndex))
	if e.listener != nil {
		e.listener.OnReplayFields(f)
	}
}
