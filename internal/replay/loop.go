package replay

import (
	"context"
	"time"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/telemetry"
)

var (
	emitted    = telemetry.Counter("tapedeck/replay", "tapedeck.replay.emitted", "Events emitted by the replay loop")
	skipWaits  = telemetry.Counter("tapedeck/replay", "tapedeck.replay.skip_waits", "Skip-wait requests")
	syncMisses = telemetry.Counter("tapedeck/replay", "tapedeck.replay.sync_timeouts", "Platform sync points that timed out")
	violations = telemetry.Counter("tapedeck/replay", "tapedeck.replay.protocol_violations", "Fills and events rejected as protocol violations")

	runningSNGauge = telemetry.Gauge("tapedeck/replay", "tapedeck.replay.running_sn", "SN of the event currently being replayed")
	bufferedGauge  = telemetry.Gauge("tapedeck/replay", "tapedeck.replay.buffered", "Events buffered ahead of the replay loop")
)

func (e *Engine) loop(ctx context.Context) {
	natural := false
	defer func() {
		if err := e.target.Flush(); err != nil {
			e.logger.Warn("replay: final flush failed", "error", err)
		}
		e.mu.Lock()
		e.phase = PhaseFinished
		e.mu.Unlock()
		close(e.done)
		// After done, so a listener that joins the engine cannot deadlock.
		if natural && e.listener != nil {
			e.listener.OnReplayFinished()
		}
	}()

	var prevTS int64
	first := true
	for {
		ev, ok := e.next(ctx)
		if !ok {
			natural = ctx.Err() == nil
			if natural {
				e.logger.Info("replay: stream exhausted", "last_sn", e.Fields().RunningSN)
			}
			return
		}

		var delay time.Duration
		if !first {
			delay = time.Duration(max(ev.TimestampUS-prevTS, 0)) * time.Microsecond
		}
		if e.cfg.MaxSleep > 0 && delay > e.cfg.MaxSleep {
			delay = e.cfg.MaxSleep
		}
		first = false
		prevTS = ev.TimestampUS

		e.mu.Lock()
		e.runningSN = ev.SN
		e.mu.Unlock()

		skipped := e.sleep.Consume()
		switch {
		case skipped:
		case delay >= shortSleep:
			e.flush()
			e.notifyFields()
			if e.sleep.Sleep(ctx, delay) {
				e.logger.Debug("replay: wait skipped", "sn", ev.SN)
				skipped = true
			}
			if ctx.Err() == nil {
				e.notifyFields()
			}
		case delay > 0:
			time.Sleep(delay)
		}
		if ctx.Err() != nil {
			return
		}

		e.emit(ctx, ev, skipped)
		emitted.Add(ctx, 1)
		e.notifyFields()
	}
}

// next blocks until the next event is buffered. It returns false once the
// final chunk has been fully replayed or ctx is done.
func (e *Engine) next(ctx context.Context) (model.SequencedEvent, bool) {
	for {
		e.mu.Lock()
		if len(e.buf) > 0 {
			ev := e.buf[0]
			e.buf[0] = model.SequencedEvent{}
			e.buf = e.buf[1:]
			e.phase = PhaseReplaying
			e.mu.Unlock()
			return ev, true
		}
		if !e.nextExpected && e.nextArrival >= e.requiredSN {
			e.mu.Unlock()
			return model.SequencedEvent{}, false
		}
		e.phase = PhaseFilling
		e.mu.Unlock()

		e.flush()
		select {
		case <-e.avail:
		case <-ctx.Done():
			return model.SequencedEvent{}, false
		}
	}
}

func (e *Engine) emit(ctx context.Context, ev model.SequencedEvent, skipped bool) {
	switch ev.Source {
	case model.SourceKernelInput:
		if err := e.target.Emit(*ev.Input); err != nil {
			e.logger.Warn("replay: emit failed", "sn", ev.SN, "error", err)
		}
	case model.SourcePlatform:
		e.flush()
		if skipped {
			return
		}
		e.awaitResponse(ctx, ev.SN, *ev.Platform)
	}
}

// awaitResponse blocks until a live platform event matching want has been
// observed, the response timeout passes, or a skip arrives.
func (e *Engine) awaitResponse(ctx context.Context, sn int64, want model.FinalizedEvent) {
	deadline := time.Now().Add(e.cfg.ResponseTimeout)
	backoff := minBackoff
	for {
		if _, ok := e.responses.Take(want); ok {
			return
		}
		if time.Now().After(deadline) {
			syncMisses.Add(ctx, 1)
			e.logger.Warn("replay: platform response timed out",
				"sn", sn, "kind", want.Kind.String(), "timeout", e.cfg.ResponseTimeout)
			return
		}
		if e.sleep.Sleep(ctx, backoff) {
			e.logger.Debug("replay: platform wait skipped", "sn", sn)
			return
		}
		if ctx.Err() != nil {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (e *Engine) flush() {
	if err := e.target.Flush(); err != nil {
		e.logger.Warn("replay: flush failed", "error", err)
	}
}
