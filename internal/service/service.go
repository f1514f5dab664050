// Package service implements the daemon's state machine. It owns the
// workers of the current session and is the single entry point used by the
// websocket transport, the HTTP API and the MCP tools.
//
// States: Idle <-> Recording, and Idle -> PreparingToReplay -> Replaying ->
// Idle. Replaying returns to Idle on its own when the replay engine runs
// out of events. Observers hear about each distinct change of state type
// exactly once.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tapedeck/internal/hub"
	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/poller"
	"github.com/ashita-ai/tapedeck/internal/recording"
	"github.com/ashita-ai/tapedeck/internal/replay"
)

// Controller is the outbound half of the controller channel.
type Controller interface {
	Send(ctx context.Context, msgs ...model.Message) error
}

// ProducerFactory opens the kernel input producer for a recording session.
type ProducerFactory func() (poller.Producer, error)

// TargetFactory opens the kernel input target for a replay session.
type TargetFactory func() (replay.Target, error)

// Config holds worker timing. Zero values take the package defaults.
type Config struct {
	DrainInterval   time.Duration
	ChunkInterval   time.Duration
	RingSize        int
	JoinTimeout     time.Duration
	ResponseTimeout time.Duration
	NotifyRetry     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainInterval <= 0 {
		c.DrainInterval = poller.DefaultDrainInterval
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = poller.DefaultChunkInterval
	}
	if c.RingSize <= 0 {
		c.RingSize = poller.DefaultRingSize
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = poller.DefaultJoinTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = replay.DefaultResponseTimeout
	}
	if c.NotifyRetry <= 0 {
		c.NotifyRetry = DefaultNotifyRetry
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithProducer sets the kernel input source used while recording. Without
// one, recording captures platform events only.
func WithProducer(f ProducerFactory) Option {
	return func(s *Service) { s.newProducer = f }
}

// WithTarget sets the kernel input sink used while replaying. Without one,
// replayed kernel samples are discarded.
func WithTarget(f TargetFactory) Option {
	return func(s *Service) { s.newTarget = f }
}

// WithRecorder persists recording sessions.
func WithRecorder(r *recording.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithObservers adds status observers.
func WithObservers(obs ...Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, obs...) }
}

// Service is the state machine. Create with New.
type Service struct {
	hub         *hub.Hub
	cfg         Config
	logger      *slog.Logger
	newProducer ProducerFactory
	newTarget   TargetFactory
	recorder    *recording.Recorder
	observers   []Observer

	// opMu serializes transitions and is held across worker joins.
	opMu sync.Mutex
	// notifyMu keeps observer notifications in transition order.
	notifyMu sync.Mutex

	// mu guards the fields below it and is never held across a call out.
	mu         sync.Mutex
	state      model.StateType
	fields     *model.ReplayFields
	sessionID  uuid.UUID
	engine     *replay.Engine
	controller Controller

	// Session components, guarded by opMu.
	platform *poller.PlatformPoller
	kernel   *poller.KernelPoller
	producer poller.Producer
	target   replay.Target
	wedged   error
}

// New creates an idle service around h.
func New(h *hub.Hub, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		hub:    h,
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  model.StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the hub platform notifications are pushed into.
func (s *Service) Hub() *hub.Hub { return s.hub }

// SetController attaches the connected controller, or detaches it when c is
// nil.
func (s *Service) SetController(c Controller) {
	s.mu.Lock()
	s.controller = c
	s.mu.Unlock()
}

// State returns a snapshot of the current state. In the replay phases the
// replay fields are refreshed from the engine first.
func (s *Service) State() model.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil && isReplayPhase(s.state) {
		f := s.engine.Fields()
		s.fields = &f
	}
	return s.snapshotLocked()
}

// Err returns the teardown failure that wedged the service, if any.
func (s *Service) Err() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.wedged
}

// Run delivers the initial Idle notification, retrying observers that fail,
// then blocks until ctx ends and tears down the active session.
func (s *Service) Run(ctx context.Context) error {
	var g errgroup.Group
	initial := model.NewState(model.StateIdle)
	for _, o := range s.observers {
		g.Go(func() error {
			notifyUntilAccepted(ctx, o, initial, s.cfg.NotifyRetry, s.logger)
			return nil
		})
	}
	<-ctx.Done()
	_ = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.JoinTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown ends any active session and returns to Idle.
func (s *Service) Shutdown(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.currentState() {
	case model.StateRecording:
		return s.stopRecording(ctx)
	case model.StatePreparingToReplay, model.StateReplaying:
		return s.stopReplay(ctx)
	default:
		return nil
	}
}

// HandleCommand executes one controller command. It returns the state to
// report for REQUEST_STATE and nil otherwise; transitions are reported to
// observers and the controller as they happen. A command that targets the
// current state is a no-op.
func (s *Service) HandleCommand(ctx context.Context, cmd model.Command) (*model.ServiceState, error) {
	if err := cmd.Validate(); err != nil {
		if cmd.Type == model.CmdFillReplayBuffer {
			// Negative counts and SNs are sequence violations.
			return nil, fmt.Errorf("%w: %w", replay.ErrProtocolViolation, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}

	switch cmd.Type {
	case model.CmdRequestState:
		st := s.State()
		return &st, nil
	case model.CmdFillReplayBuffer:
		e := s.currentEngine()
		if e == nil {
			return nil, fmt.Errorf("service: fill: %w", replay.ErrNotRunning)
		}
		return nil, e.Fill(cmd.IsNextExists, cmd.NumEvents, cmd.SN)
	case model.CmdSkipWaitingInReplay:
		if e := s.currentEngine(); e != nil {
			e.SkipWait()
		}
		return nil, nil
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	cur := s.currentState()
	switch cmd.Type {
	case model.CmdRecordingOn:
		switch cur {
		case model.StateRecording:
			return nil, nil
		case model.StateIdle:
			return nil, s.startRecording(ctx)
		}
	case model.CmdRecordingOff:
		switch cur {
		case model.StateIdle:
			return nil, nil
		case model.StateRecording:
			return nil, s.stopRecording(ctx)
		}
	case model.CmdReplayingOn:
		switch cur {
		case model.StatePreparingToReplay, model.StateReplaying:
			return nil, nil
		case model.StateIdle:
			return nil, s.startReplay(ctx, cmd)
		}
	case model.CmdReplayingOff:
		switch cur {
		case model.StateIdle:
			return nil, nil
		case model.StatePreparingToReplay, model.StateReplaying:
			return nil, s.stopReplay(ctx)
		}
	}
	return nil, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, cmd.Type, cur)
}

// HandleReplayEvent hands one event to the running replay engine.
func (s *Service) HandleReplayEvent(ev model.SequencedEvent) error {
	e := s.currentEngine()
	if e == nil {
		return fmt.Errorf("service: replay event %d: %w", ev.SN, replay.ErrNotRunning)
	}
	return e.Offer(ev)
}

// HandleMessages dispatches an inbound batch in order and returns the
// replies: a state for REQUEST_STATE and an error message, carrying the
// current state, for each rejected message.
func (s *Service) HandleMessages(ctx context.Context, msgs []model.Message) []model.Message {
	var replies []model.Message
	for _, msg := range msgs {
		st, err := s.handleMessage(ctx, msg)
		switch {
		case err != nil:
			cur := s.State()
			replies = append(replies, model.ErrorMessage(ErrorCode(err), err.Error(), &cur))
		case st != nil:
			replies = append(replies, model.StateMessage(*st))
		}
	}
	return replies
}

func (s *Service) handleMessage(ctx context.Context, msg model.Message) (*model.ServiceState, error) {
	switch msg.Type {
	case model.MsgCommand:
		if msg.Command == nil {
			return nil, fmt.Errorf("%w: command message without command", ErrBadMessage)
		}
		return s.HandleCommand(ctx, *msg.Command)
	case model.MsgKernelInput, model.MsgPlatform:
		if msg.Replay == nil {
			return nil, fmt.Errorf("%w: %s message without event", ErrBadMessage, msg.Type)
		}
		if want := model.ReplayMessage(*msg.Replay).Type; want != msg.Type {
			return nil, fmt.Errorf("%w: %s message carries a %s event", ErrBadMessage, msg.Type, msg.Replay.Source)
		}
		return nil, s.HandleReplayEvent(*msg.Replay)
	default:
		return nil, fmt.Errorf("%w: unexpected message type %q", ErrBadMessage, msg.Type)
	}
}

func (s *Service) currentState() model.StateType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) currentEngine() *replay.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *Service) snapshotLocked() model.ServiceState {
	st := model.NewState(s.state)
	if s.fields != nil && isReplayPhase(s.state) {
		f := *s.fields
		st.Replay = &f
	}
	if s.sessionID != uuid.Nil {
		st.SessionID = s.sessionID.String()
	}
	return st
}

func isReplayPhase(t model.StateType) bool {
	return t == model.StatePreparingToReplay || t == model.StateReplaying
}

// transition moves to t and notifies if the state type changed.
func (s *Service) transition(ctx context.Context, t model.StateType) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.state
	s.state = t
	if !isReplayPhase(t) {
		s.fields = nil
	}
	snap := s.snapshotLocked()
	ctrl := s.controller
	s.mu.Unlock()

	if prev != t {
		s.notify(ctx, snap, ctrl)
	}
}

// notify runs with notifyMu held.
func (s *Service) notify(ctx context.Context, snap model.ServiceState, ctrl Controller) {
	for _, o := range s.observers {
		if err := o.OnStateChange(ctx, snap); err != nil {
			s.logger.Warn("service: observer failed", "state", string(snap.Type), "error", err)
		}
	}
	if ctrl != nil {
		if err := ctrl.Send(ctx, model.StateMessage(snap)); err != nil {
			s.logger.Warn("service: state report to controller failed", "state", string(snap.Type), "error", err)
		}
	}
}

// stopWorkers kills every worker, then joins them under one deadline.
func (s *Service) stopWorkers(ctx context.Context, workers ...poller.Worker) error {
	for _, w := range workers {
		w.Kill()
	}
	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	var errs []error
	for _, w := range workers {
		if err := w.Join(joinCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrTeardownTimeout, errors.Join(errs...))
	}
	return nil
}

func closeIfCloser(v any, what string, logger *slog.Logger) {
	if c, ok := v.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("service: close failed", "component", what, "error", err)
		}
	}
}
