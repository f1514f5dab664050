package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/poller"
	"github.com/ashita-ai/tapedeck/internal/replay"
)

// Callers of the start/stop functions below hold opMu.

func (s *Service) startRecording(ctx context.Context) error {
	if s.wedged != nil {
		return s.wedged
	}
	workerCtx := context.WithoutCancel(ctx)

	p := poller.NewPlatformPoller(s.hub, s.cfg.DrainInterval, s.logger, poller.EventListenerFunc(s.forwardEvents))
	if err := p.Start(workerCtx); err != nil {
		return fmt.Errorf("service: start recording: %w", err)
	}
	s.platform = p

	if s.newProducer != nil {
		prod, err := s.newProducer()
		if err != nil {
			s.logger.Warn("service: kernel input unavailable, recording platform events only", "error", err)
		} else {
			k := poller.NewKernelPoller(prod, poller.NewRing(s.cfg.RingSize), s.cfg.ChunkInterval, s.logger,
				poller.InputListenerFunc(s.forwardInputs))
			if err := k.Start(workerCtx); err != nil {
				closeIfCloser(prod, "input producer", s.logger)
				return s.abortRecording(ctx, fmt.Errorf("service: start recording: %w", err))
			}
			s.kernel = k
			s.producer = prod
		}
	}

	// Events drained before the session exists reach the controller but are
	// not persisted; the first drain is a full interval away.
	if s.recorder != nil {
		sess, err := s.recorder.BeginSession(ctx, s.hub.ZeroUS())
		if err != nil {
			s.logger.Error("service: recording will not be persisted", "error", err)
		} else {
			s.mu.Lock()
			s.sessionID = sess.ID
			s.mu.Unlock()
		}
	}

	s.transition(ctx, model.StateRecording)
	return nil
}

// abortRecording tears down a half-started recording without a transition.
func (s *Service) abortRecording(ctx context.Context, cause error) error {
	if err := s.stopWorkers(ctx, s.platform); err != nil {
		s.wedged = err
	}
	s.platform = nil
	return cause
}

func (s *Service) stopRecording(ctx context.Context) error {
	workers := []poller.Worker{s.platform}
	if s.kernel != nil {
		workers = append(workers, s.kernel)
	}
	// Joining runs the final urgent drain and chunk, which still record
	// under the open session.
	err := s.stopWorkers(ctx, workers...)
	if s.kernel != nil {
		if kerr := s.kernel.Err(); kerr != nil {
			s.logger.Warn("service: kernel poller stopped with error", "error", kerr)
		}
	}
	if s.producer != nil {
		closeIfCloser(s.producer, "input producer", s.logger)
	}
	s.platform, s.kernel, s.producer = nil, nil, nil

	s.mu.Lock()
	sid := s.sessionID
	s.sessionID = uuid.Nil
	s.mu.Unlock()
	if s.recorder != nil && sid != uuid.Nil {
		sess, rerr := s.recorder.EndSession(ctx, sid)
		if rerr != nil {
			s.logger.Error("service: complete recording session", "session_id", sid, "error", rerr)
		} else {
			s.logger.Info("service: recording session saved", "session_id", sid, "event_count", sess.EventCount)
		}
	}

	s.transition(ctx, model.StateIdle)
	if err != nil {
		s.wedged = err
		return err
	}
	return nil
}

func (s *Service) startReplay(ctx context.Context, cmd model.Command) error {
	if s.wedged != nil {
		return s.wedged
	}
	workerCtx := context.WithoutCancel(ctx)

	var target replay.Target = discardTarget{}
	if s.newTarget != nil {
		t, err := s.newTarget()
		if err != nil {
			return fmt.Errorf("service: open replay target: %w", err)
		}
		target = t
	}

	l := &engineListener{s: s}
	e := replay.NewEngine(replay.Config{
		BufferSize:      cmd.BufferSize,
		MaxSleep:        msDuration(cmd.MaxSleepMS),
		ResponseTimeout: s.cfg.ResponseTimeout,
	}, target, nil, l, s.logger)
	l.engine = e

	// The engine hears live platform events through the same poller that
	// forwards them to the controller.
	p := poller.NewPlatformPoller(s.hub, s.cfg.DrainInterval, s.logger, e, poller.EventListenerFunc(s.forwardEvents))
	if err := p.Start(workerCtx); err != nil {
		closeIfCloser(target, "replay target", s.logger)
		return fmt.Errorf("service: start replay: %w", err)
	}
	if err := e.Start(workerCtx); err != nil {
		if serr := s.stopWorkers(ctx, p); serr != nil {
			s.wedged = serr
		}
		closeIfCloser(target, "replay target", s.logger)
		return fmt.Errorf("service: start replay: %w", err)
	}

	s.platform = p
	s.target = target
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()

	s.transition(ctx, model.StatePreparingToReplay)
	return nil
}

func (s *Service) stopReplay(ctx context.Context) error {
	s.mu.Lock()
	e := s.engine
	s.mu.Unlock()

	var workers []poller.Worker
	if e != nil {
		workers = append(workers, e)
	}
	if s.platform != nil {
		workers = append(workers, s.platform)
	}
	err := s.stopWorkers(ctx, workers...)
	if s.target != nil {
		closeIfCloser(s.target, "replay target", s.logger)
	}
	s.platform, s.target = nil, nil

	s.mu.Lock()
	s.engine = nil
	s.mu.Unlock()

	s.transition(ctx, model.StateIdle)
	if err != nil {
		s.wedged = err
		return err
	}
	return nil
}

// onReplayFinished returns to Idle once e has replayed its final chunk,
// unless e has already been replaced or stopped.
func (s *Service) onReplayFinished(e *replay.Engine) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.currentEngine() != e {
		return
	}
	s.logger.Info("service: replay finished")
	if err := s.stopReplay(context.Background()); err != nil {
		s.logger.Error("service: teardown after replay", "error", err)
	}
}

// onReplayFields records progress; the first update moves
// PreparingToReplay to Replaying.
func (s *Service) onReplayFields(e *replay.Engine, f model.ReplayFields) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.engine != e {
		s.mu.Unlock()
		return
	}
	s.fields = &f
	if s.state != model.StatePreparingToReplay {
		s.mu.Unlock()
		return
	}
	s.state = model.StateReplaying
	snap := s.snapshotLocked()
	ctrl := s.controller
	s.mu.Unlock()

	s.notify(context.Background(), snap, ctrl)
}

type engineListener struct {
	s      *Service
	engine *replay.Engine
}

func (l *engineListener) OnReplayFields(f model.ReplayFields) { l.s.onReplayFields(l.engine, f) }
func (l *engineListener) OnReplayFinished()                   { l.s.onReplayFinished(l.engine) }

// forwardEvents sends drained platform events to the controller and, while
// a session is open, records them.
func (s *Service) forwardEvents(ctx context.Context, events []model.FinalizedEvent) {
	s.mu.Lock()
	ctrl, sid := s.controller, s.sessionID
	s.mu.Unlock()

	if ctrl != nil {
		msgs := make([]model.Message, len(events))
		for i, e := range events {
			msgs[i] = model.EventMessage(e)
		}
		if err := ctrl.Send(ctx, msgs...); err != nil {
			s.logger.Debug("service: forward platform events", "count", len(events), "error", err)
		}
	}
	if s.recorder != nil && sid != uuid.Nil {
		seq := make([]model.SequencedEvent, len(events))
		for i, e := range events {
			seq[i] = model.FromPlatform(0, e)
		}
		s.record(sid, seq)
	}
}

// forwardInputs is forwardEvents for kernel sample chunks.
func (s *Service) forwardInputs(ctx context.Context, samples []model.InputSample) {
	s.mu.Lock()
	ctrl, sid := s.controller, s.sessionID
	s.mu.Unlock()

	if ctrl != nil {
		if err := ctrl.Send(ctx, model.InputChunkMessage(samples)); err != nil {
			s.logger.Debug("service: forward input chunk", "count", len(samples), "error", err)
		}
	}
	if s.recorder != nil && sid != uuid.Nil {
		seq := make([]model.SequencedEvent, len(samples))
		for i, smp := range samples {
			seq[i] = model.FromInput(0, smp)
		}
		s.record(sid, seq)
	}
}

func (s *Service) record(sid uuid.UUID, events []model.SequencedEvent) {
	if _, err := s.recorder.Append(sid, events); err != nil {
		s.logger.Warn("service: record events", "session_id", sid, "count", len(events), "error", err)
	}
}

// discardTarget stands in for the input target when none is configured.
type discardTarget struct{}

func (discardTarget) Emit(model.InputSample) error { return nil }
func (discardTarget) Flush() error                 { return nil }

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
